// Package protocol defines the wire taxonomy exchanged between a client and the gateway: one JSON object per
// frame, discriminated by a short "t" key. It replaces a generated client SDK package that normally ships this
// taxonomy; since no such package is vendored here, the structs below are hand-written against the message
// catalogue the gateway and its clients agree on.
package protocol

import "encoding/json"

// Status is the presence status label reported for a window.
type Status string

const (
	StatusOnline    Status = "Online"
	StatusAway      Status = "Away"
	StatusOffline   Status = "Offline"
	StatusInvisible Status = "Invisible"
)

// Activity is the activity label reported for a window.
type Activity string

const (
	ActivityCoding    Activity = "Coding"
	ActivityDebugging Activity = "Debugging"
	ActivityReading   Activity = "Reading"
	ActivityIdle      Activity = "Idle"
	ActivityHidden    Activity = "Hidden"
)

// activityRank orders activities for multi-window aggregation: higher ranks win ties are broken by window age
// (earliest window registered wins, handled by the caller).
var activityRank = map[Activity]int{
	ActivityDebugging: 4,
	ActivityCoding:    3,
	ActivityReading:   2,
	ActivityIdle:      1,
	ActivityHidden:    0,
}

// ActivityRank returns the priority of an activity for aggregation purposes. Unknown activities rank lowest.
func ActivityRank(a Activity) int {
	return activityRank[a]
}

// VisibilityMode controls which viewers the privacy filter admits for a target's events.
type VisibilityMode string

const (
	VisibilityEveryone      VisibilityMode = "everyone"
	VisibilityFollowers     VisibilityMode = "followers"
	VisibilityFollowing     VisibilityMode = "following"
	VisibilityCloseFriends  VisibilityMode = "close-friends"
	VisibilityInvisible     VisibilityMode = "invisible"
)

// ValidVisibility reports whether mode is one of the five recognised visibility modes.
func ValidVisibility(mode VisibilityMode) bool {
	switch mode {
	case VisibilityEveryone, VisibilityFollowers, VisibilityFollowing, VisibilityCloseFriends, VisibilityInvisible:
		return true
	default:
		return false
	}
}

// Envelope is used only to sniff the "t" discriminator of an inbound frame before dispatching to the concrete
// message type.
type Envelope struct {
	T string `json:"t"`
}

// CompactUser is the wire representation of a user's presence state, used in sync and channel-sync payloads.
type CompactUser struct {
	ID       string `json:"id"`
	Avatar   string `json:"a,omitempty"`
	Status   Status `json:"s"`
	Activity Activity `json:"act"`
	Project  string `json:"p,omitempty"`
	Language string `json:"l,omitempty"`
	LastSeen int64  `json:"ls,omitempty"`
}

// ---- Client -> Server ----

type ClientLogin struct {
	Username    string  `json:"username"`
	Token       *string `json:"token,omitempty"`
	ResumeToken *string `json:"resumeToken,omitempty"`
}

type ClientStatusUpdate struct {
	Status   *Status   `json:"s,omitempty"`
	Activity *Activity `json:"a,omitempty"`
	Project  *string   `json:"p,omitempty"`
	Language *string   `json:"l,omitempty"`
}

type PartialPreferences struct {
	VisibilityMode  *VisibilityMode `json:"visibilityMode,omitempty"`
	ShareProject    *bool           `json:"shareProjectName,omitempty"`
	ShareLanguage   *bool           `json:"shareLanguage,omitempty"`
	ShareActivity   *bool           `json:"shareActivity,omitempty"`
}

type ClientPrefsUpdate struct {
	Prefs PartialPreferences `json:"prefs"`
}

type ClientCreateChannel struct {
	Name string `json:"name"`
}

type ClientJoinChannel struct {
	InviteCode string `json:"inviteCode"`
}

type ClientLeaveChannel struct {
	ChannelID string `json:"channelId"`
}

type ClientChannelMessage struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

type ClientSetCustomStatus struct {
	Text      string  `json:"text"`
	Emoji     *string `json:"emoji,omitempty"`
	ExpiresIn *int64  `json:"expiresIn,omitempty"` // seconds
}

// ---- Server -> Client ----

type ServerLoginSuccess struct {
	Token      string   `json:"token"`
	IdentityID *int64   `json:"githubId,omitempty"`
	Followers  []string `json:"followers,omitempty"`
	Following  []string `json:"following,omitempty"`
}

type ServerLoginError struct {
	Error string `json:"error"`
}

type ServerSync struct {
	Users []CompactUser `json:"users"`
}

// ServerUpdate ("u") is a delta: only fields that changed are present.
type ServerUpdate struct {
	ID           string    `json:"id"`
	Status       *Status   `json:"s,omitempty"`
	Activity     *Activity `json:"a,omitempty"`
	Project      *string   `json:"p,omitempty"`
	Language     *string   `json:"l,omitempty"`
	CustomStatus *string   `json:"cs,omitempty"`
}

// ServerOnline ("o") carries a full snapshot, published on fresh login.
type ServerOnline struct {
	ID       string   `json:"id"`
	Avatar   string   `json:"a,omitempty"`
	Status   Status   `json:"s"`
	Activity Activity `json:"act"`
	Project  string   `json:"p,omitempty"`
	Language string   `json:"l,omitempty"`
}

type ServerOffline struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

type ServerToken struct {
	Token string `json:"token"`
}

type ServerError struct {
	Error string  `json:"error"`
	Code  *string `json:"code,omitempty"`
}

type ServerCreateChannelOK struct {
	ChannelID  string `json:"channelId"`
	Name       string `json:"name"`
	InviteCode string `json:"inviteCode"`
}

type ServerJoinChannelOK struct {
	ChannelID string `json:"channelId"`
	Name      string `json:"name"`
}

type ServerChannelSync struct {
	ChannelID string        `json:"channelId"`
	Name      string        `json:"name"`
	Members   []CompactUser `json:"members"`
}

// ServerChannelUpdate ("cu") mirrors ServerUpdate but scoped to a channel topic.
type ServerChannelUpdate struct {
	ChannelID string    `json:"channelId"`
	ID        string    `json:"id"`
	Status    *Status   `json:"s,omitempty"`
	Activity  *Activity `json:"a,omitempty"`
	Project   *string   `json:"p,omitempty"`
	Language  *string   `json:"l,omitempty"`
}

type ServerChannelJoined struct {
	ChannelID string      `json:"channelId"`
	Member    CompactUser `json:"member"`
}

type ServerChannelLeft struct {
	ChannelID string `json:"channelId"`
	ID        string `json:"id"`
}

type ServerChannelMessage struct {
	ChannelID string `json:"channelId"`
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// Discriminator values for the "t" field, both directions.
const (
	TLogin         = "login"
	TStatusUpdate  = "statusUpdate"
	TPrefsUpdate   = "prefsUpdate"
	THeartbeat     = "hb"
	TCreateChannel = "cc"
	TJoinChannel   = "jc"
	TLeaveChannel  = "lc"
	TChannelMsg    = "cm"
	TSetStatus     = "ss"
	TClearStatus   = "clr"

	TLoginSuccess     = "loginSuccess"
	TLoginError       = "loginError"
	TSync             = "sync"
	TUpdate           = "u"
	TOnline           = "o"
	TOffline          = "x"
	TToken            = "token"
	TError            = "error"
	TCreateChannelOK  = "ccOk"
	TJoinChannelOK    = "jcOk"
	TChannelSync      = "cs"
	TChannelUpdate    = "cu"
	TChannelJoined    = "cj"
	TChannelLeft      = "cl"
	TChannelMessageOK = "cmsg"
)

// Encode wraps a payload value with its "t" discriminator and marshals it to JSON. The payload must be a struct (or
// pointer to struct); its fields are merged with "t" at the top level.
func Encode(t string, payload any) ([]byte, error) {
	fields, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	tRaw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	m["t"] = tRaw
	return json.Marshal(m)
}
