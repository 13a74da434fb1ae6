package gateway

import (
	"encoding/json"

	"github.com/presenced/presenced/internal/privacy"
	"github.com/presenced/presenced/internal/protocol"
	"github.com/presenced/presenced/internal/store"
)

// Presence topic event kinds, matching the server->client discriminators they are eventually rendered as: a fresh
// login (or reconnect past the resume window) renders as "o", a last-window disconnect (past the resume window) as
// "x", and everything else (status/activity/custom-status changes, away-timer transitions) as a "u" delta.
const (
	presenceEventOnline  = "online"
	presenceEventOffline = "offline"
	presenceEventUpdate  = "update"
)

// presenceTopicEvent is the payload the Hub publishes to a user's presence:{username} topic. It carries everything
// a remote Hub instance needs to re-derive, per subscriber, whether the update is visible and which fields survive
// redaction — the privacy decision is evaluated locally by each subscriber's Hub, not by the publisher, since only
// the subscriber knows which of its local connections belong to which viewer. Exactly one of Online, Offline, or
// Delta is set, matching Kind.
type presenceTopicEvent struct {
	Kind       string               `json:"kind"`
	IdentityID int64                `json:"identityId"`
	Mode       store.VisibilityMode `json:"mode"`
	Graph      privacy.Graph        `json:"graph"`
	Prefs      sharePrefs           `json:"prefs"`
	Online     *protocol.ServerOnline `json:"online,omitempty"`
	Offline    *protocol.ServerOffline `json:"offline,omitempty"`
	Delta      *protocol.ServerUpdate  `json:"delta,omitempty"`
}

// sharePrefs is the subset of store.Preferences that gates optional field redaction.
type sharePrefs struct {
	ShareProject  bool `json:"shareProject"`
	ShareLanguage bool `json:"shareLanguage"`
	ShareActivity bool `json:"shareActivity"`
}

func encodePresenceEvent(ev presenceTopicEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodePresenceEvent(raw []byte) (presenceTopicEvent, error) {
	var ev presenceTopicEvent
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

// channelTopicEvent is the payload the Hub publishes to a channel:{id} topic. Membership already gates delivery (a
// connection is only subscribed to channels it belongs to), so unlike presenceTopicEvent it carries no visibility
// metadata.
type channelTopicEvent struct {
	Kind    string                     `json:"kind"` // "update", "message", "joined", "left"
	Update  *protocol.ServerChannelUpdate  `json:"update,omitempty"`
	Message *protocol.ServerChannelMessage `json:"message,omitempty"`
	Joined  *protocol.ServerChannelJoined  `json:"joined,omitempty"`
	Left    *protocol.ServerChannelLeft    `json:"left,omitempty"`
}

func encodeChannelEvent(ev channelTopicEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeChannelEvent(raw []byte) (channelTopicEvent, error) {
	var ev channelTopicEvent
	err := json.Unmarshal(raw, &ev)
	return ev, err
}
