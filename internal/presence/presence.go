// Package presence implements multi-window presence aggregation, delta computation against the last broadcast
// state, and custom-status bookkeeping. It holds no Valkey or network dependency of its own — a presence.State is
// plain data owned by the gateway connection that tracks a user's windows, updated by pure functions, with the
// broker and away-timer sweep living in the packages that actually need I/O.
package presence

import "github.com/presenced/presenced/internal/protocol"

// Window is one reporting surface for a user — an editor instance, a browser tab — each independently updating its
// own status and activity.
type Window struct {
	ID             string
	Status         protocol.Status
	Activity       protocol.Activity
	Project        string
	Language       string
	RegisteredAt   int64 // unix nanoseconds; breaks activity-rank ties deterministically
	LastActivityAt int64 // unix seconds; advanced on every status update and heartbeat, read by the away-timer sweep
}

// Aggregated is the single visible presence computed across all of a user's open windows.
type Aggregated struct {
	Status   protocol.Status
	Activity protocol.Activity
	Project  string
	Language string
}

// Aggregate computes the visible presence across windows: the window with the highest-ranked activity wins
// (Debugging > Coding > Reading > Idle > Hidden); ties are broken by whichever window registered earliest. A user
// with no open windows is offline.
func Aggregate(windows map[string]Window) Aggregated {
	var (
		winner  Window
		found   bool
		bestRnk = -1
	)
	for _, w := range windows {
		rnk := protocol.ActivityRank(w.Activity)
		switch {
		case !found:
			winner, bestRnk, found = w, rnk, true
		case rnk > bestRnk:
			winner, bestRnk = w, rnk
		case rnk == bestRnk && w.RegisteredAt < winner.RegisteredAt:
			winner = w
		}
	}
	if !found {
		return Aggregated{Status: protocol.StatusOffline, Activity: protocol.ActivityHidden}
	}
	return Aggregated{
		Status:   winner.Status,
		Activity: winner.Activity,
		Project:  winner.Project,
		Language: winner.Language,
	}
}

// State is the per-user presence record owned by the gateway for the duration of a login. It is not safe for
// concurrent use; callers serialize access the same way the gateway serializes access to a single connection.
type State struct {
	Windows map[string]Window

	CustomStatusText      string
	CustomStatusEmoji     string
	CustomStatusExpiresAt int64 // unix seconds; 0 means no expiry

	last Aggregated
}

// NewState returns an empty presence state with no open windows.
func NewState() *State {
	return &State{Windows: make(map[string]Window)}
}

// SetWindow registers or updates a single window's reported state.
func (s *State) SetWindow(w Window) {
	s.Windows[w.ID] = w
}

// RemoveWindow drops a window, e.g. when its connection disconnects without a full logout.
func (s *State) RemoveWindow(id string) {
	delete(s.Windows, id)
}

// IsEmpty reports whether the user has no open windows left.
func (s *State) IsEmpty() bool {
	return len(s.Windows) == 0
}

// Refresh recomputes the aggregate from the current windows and records it as the last-known aggregate for future
// Delta calls.
func (s *State) Refresh() Aggregated {
	agg := Aggregate(s.Windows)
	s.last = agg
	return agg
}

// Last returns the most recently computed aggregate without recomputing it.
func (s *State) Last() Aggregated {
	return s.last
}

// SetCustomStatus records a custom status with an optional expiry. expiresAt is a unix-seconds deadline, or 0 for
// no expiry.
func (s *State) SetCustomStatus(text, emoji string, expiresAt int64) {
	s.CustomStatusText = text
	s.CustomStatusEmoji = emoji
	s.CustomStatusExpiresAt = expiresAt
}

// ClearCustomStatus removes any custom status.
func (s *State) ClearCustomStatus() {
	s.CustomStatusText = ""
	s.CustomStatusEmoji = ""
	s.CustomStatusExpiresAt = 0
}

// CustomStatusExpired reports whether a custom status is set and its deadline has passed as of now (unix seconds).
func (s *State) CustomStatusExpired(nowUnix int64) bool {
	return s.CustomStatusText != "" && s.CustomStatusExpiresAt != 0 && nowUnix >= s.CustomStatusExpiresAt
}

// ApplyAway forces every open window's status to Away regardless of how recently it was active (the liveness sweep
// uses SweepAway, which only moves windows idle past the away timeout). It does not touch Activity, Project, or Language, since the
// user may still be "coding" in a stale sense even though they're no longer present to confirm it.
func (s *State) ApplyAway() {
	for id, w := range s.Windows {
		w.Status = protocol.StatusAway
		s.Windows[id] = w
	}
}

// Touch records windowID's most recent activity timestamp (unix seconds), advanced on every status update and
// heartbeat so the liveness sweep can tell a stale window from an active one.
func (s *State) Touch(windowID string, nowUnix int64) {
	if w, ok := s.Windows[windowID]; ok {
		w.LastActivityAt = nowUnix
		s.Windows[windowID] = w
	}
}

// SweepAway marks every window whose last activity is older than timeout (in seconds) as Away, skipping windows
// already Away or Offline. It reports whether any window changed, so the caller only broadcasts a delta when the
// sweep actually had an effect.
func (s *State) SweepAway(nowUnix int64, timeoutSeconds int64) bool {
	changed := false
	for id, w := range s.Windows {
		if w.Status == protocol.StatusAway || w.Status == protocol.StatusOffline {
			continue
		}
		if w.LastActivityAt != 0 && nowUnix-w.LastActivityAt >= timeoutSeconds {
			w.Status = protocol.StatusAway
			s.Windows[id] = w
			changed = true
		}
	}
	return changed
}

// Delta computes a ServerUpdate carrying only the fields that changed between prev and next, plus an optional
// custom-status string. It returns nil if nothing changed and there is no custom status to report.
func Delta(id string, prev, next Aggregated, customStatus *string) *protocol.ServerUpdate {
	var upd protocol.ServerUpdate
	changed := false

	if prev.Status != next.Status {
		s := next.Status
		upd.Status = &s
		changed = true
	}
	if prev.Activity != next.Activity {
		a := next.Activity
		upd.Activity = &a
		changed = true
	}
	if prev.Project != next.Project {
		p := next.Project
		upd.Project = &p
		changed = true
	}
	if prev.Language != next.Language {
		l := next.Language
		upd.Language = &l
		changed = true
	}
	if customStatus != nil {
		upd.CustomStatus = customStatus
		changed = true
	}

	if !changed {
		return nil
	}
	upd.ID = id
	return &upd
}

// ToCompactUser renders a full snapshot of id's aggregate for inclusion in a sync payload.
func ToCompactUser(id, avatar string, agg Aggregated, lastSeenMS int64) protocol.CompactUser {
	return protocol.CompactUser{
		ID:       id,
		Avatar:   avatar,
		Status:   agg.Status,
		Activity: agg.Activity,
		Project:  agg.Project,
		Language: agg.Language,
		LastSeen: lastSeenMS,
	}
}
