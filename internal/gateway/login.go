package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/presenced/presenced/internal/auth"
	"github.com/presenced/presenced/internal/broker"
	"github.com/presenced/presenced/internal/gatewayerr"
	"github.com/presenced/presenced/internal/presence"
	"github.com/presenced/presenced/internal/privacy"
	"github.com/presenced/presenced/internal/protocol"
	"github.com/presenced/presenced/internal/store"
)

// handleLogin resolves a login frame along one of three paths: a resume token restores a session that dropped
// within the resume window; an identity token authenticates against the State Store, upserting the user record on
// first sight; anything else registers a guest under the claimed username.
func (h *Hub) handleLogin(ctx context.Context, conn *Connection, msg *protocol.ClientLogin) {
	if msg.ResumeToken != nil && *msg.ResumeToken != "" {
		h.handleResume(ctx, conn, *msg.ResumeToken)
		return
	}

	if msg.Token != nil && *msg.Token != "" {
		identityID, err := auth.ValidateToken(*msg.Token, h.cfg.JWTSecret, h.cfg.JWTIssuer)
		if err != nil {
			conn.sendError(gatewayerr.KindAuthFailure, "invalid token")
			conn.closeWithKind(gatewayerr.KindAuthFailure, "invalid token")
			return
		}

		user, err := h.users.GetByIdentityID(ctx, identityID)
		if err != nil {
			if !errors.Is(err, store.ErrUserNotFound) {
				conn.sendError(gatewayerr.KindInternal, "failed to resolve identity")
				return
			}
			user = &store.User{IdentityID: identityID, Username: msg.Username}
			if err := h.users.Upsert(ctx, *user); err != nil {
				conn.sendError(gatewayerr.KindInternal, "failed to register identity")
				return
			}
		}

		h.completeLogin(ctx, conn, *user, false, false)
		if h.metrics != nil {
			h.metrics.LoginCompleted("token")
		}
		return
	}

	// No token of any kind: treat as a guest, claiming msg.Username in the guest namespace. A name still recorded as
	// claimed is accepted when no live window on this process holds it.
	h.mu.RLock()
	live := len(h.byUsername[msg.Username]) > 0
	h.mu.RUnlock()
	var claimErr error
	if !live {
		claimErr = h.guests.Claim(ctx, msg.Username)
	}
	if live || (claimErr != nil && !errors.Is(claimErr, store.ErrUsernameTaken)) {
		conn.sendError(gatewayerr.KindAuthFailure, "username already taken")
		conn.closeWithKind(gatewayerr.KindAuthFailure, "username already taken")
		return
	}
	h.completeLogin(ctx, conn, store.User{Username: msg.Username}, true, false)
	if h.metrics != nil {
		h.metrics.LoginCompleted("guest")
	}
}

// handleResume restores a previously disconnected session from its Resume Record, replaying every frame buffered
// since the window dropped.
func (h *Hub) handleResume(ctx context.Context, conn *Connection, token string) {
	resumed, err := h.resumeStore.Load(ctx, token)
	if err != nil {
		if h.metrics != nil {
			h.metrics.ResumeAttempted("expired")
		}
		conn.sendError(gatewayerr.KindNotFound, "resume token not found or expired")
		conn.closeWithKind(gatewayerr.KindNotFound, "resume failed")
		return
	}
	if h.metrics != nil {
		h.metrics.ResumeAttempted("ok")
	}

	user, err := h.users.GetByUsername(ctx, resumed.Username)
	isGuest := errors.Is(err, store.ErrUserNotFound)
	if isGuest {
		user = &store.User{Username: resumed.Username}
	} else if err != nil {
		conn.sendError(gatewayerr.KindInternal, "failed to resolve identity")
		return
	}

	h.completeLogin(ctx, conn, *user, isGuest, true)
	if h.metrics != nil {
		h.metrics.LoginCompleted("resume")
	}

	frames, err := h.resumeStore.Replay(ctx, token, resumed.LastSeq)
	if err != nil {
		h.log.Warn().Err(err).Str("username", resumed.Username).Msg("failed to replay buffered frames")
	}
	for _, f := range frames {
		conn.enqueue(f)
	}
	_ = h.resumeStore.Delete(ctx, token)
}

// completeLogin finishes the login flow shared by every path: it registers the connection as a new window, issues a
// reconnection token, sends the login success and initial sync frames, and (for a fresh, non-resumed first window)
// announces the user online. isResume is true only when this window was restored via a resume token: in that case
// any deferred offline broadcast left over from the disconnect is cancelled, but nothing is announced, since
// subscribers never observed the user leaving in the first place.
func (h *Hub) completeLogin(ctx context.Context, conn *Connection, user store.User, isGuest, isResume bool) {
	token, err := auth.IssueToken(user.IdentityID, h.cfg.JWTSecret, h.cfg.ResumeTokenTTL, h.cfg.JWTIssuer)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to issue reconnection token")
	}
	resumeToken := broker.NewResumeToken()

	conn.mu.Lock()
	conn.identityID = user.IdentityID
	conn.username = user.Username
	conn.isGuest = isGuest
	conn.resumeToken = resumeToken
	conn.identified = true
	conn.registeredAt = time.Now().UnixNano()
	conn.mu.Unlock()

	h.mu.Lock()
	if h.byUsername[user.Username] == nil {
		h.byUsername[user.Username] = make(map[*Connection]bool)
	}
	firstWindow := len(h.byUsername[user.Username]) == 0
	h.byUsername[user.Username][conn] = true

	state, ok := h.presenceStates[user.Username]
	if !ok {
		state = presence.NewState()
		h.presenceStates[user.Username] = state
	}
	state.SetWindow(presence.Window{
		ID:             conn.id,
		Status:         protocol.StatusOnline,
		Activity:       protocol.ActivityHidden,
		RegisteredAt:   conn.registeredAt,
		LastActivityAt: time.Now().Unix(),
	})
	h.mu.Unlock()

	idPtr := user.IdentityID
	success := protocol.ServerLoginSuccess{
		Token:      token,
		IdentityID: &idPtr,
		Followers:  idsToUsernames(ctx, h.users, user.Followers),
		Following:  idsToUsernames(ctx, h.users, user.Following),
	}
	h.send(ctx, conn, protocol.TLoginSuccess, success)

	frame, err := protocol.Encode(protocol.TToken, protocol.ServerToken{Token: resumeToken})
	if err == nil {
		conn.enqueue(frame)
	}

	h.sendSync(ctx, conn, user)

	h.subscribeTopic(ctx, conn, broker.PresenceTopic(user.Username))

	channelIDs, err := h.channels.ListMembershipsFor(ctx, user.IdentityID)
	if err != nil {
		h.log.Warn().Err(err).Str("username", user.Username).Msg("failed to list channel memberships")
	}
	for _, chID := range channelIDs {
		h.subscribeTopic(ctx, conn, broker.ChannelTopic(chID))
	}

	if firstWindow {
		h.cancelPendingOffline(user.Username)
		agg := state.Refresh()
		if !isResume {
			h.broadcastOnline(ctx, user.IdentityID, user.Username, agg)
		}
	}
}

// sendSync builds and sends a snapshot of the presence of everyone the connecting user can see — their own contacts
// whose presence is already cached — using a single batched Status Cache read.
func (h *Hub) sendSync(ctx context.Context, conn *Connection, user store.User) {
	contacts := append(append([]int64{}, user.Followers...), user.Following...)
	usernames := make([]string, 0, len(contacts))
	seen := make(map[int64]bool)
	for _, id := range contacts {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u, err := h.users.GetByIdentityID(ctx, id); err == nil {
			usernames = append(usernames, u.Username)
		}
	}

	cached, err := h.statusCache.GetMany(ctx, usernames)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to batch-load status cache for sync")
		cached = nil
	}

	users := make([]protocol.CompactUser, 0, len(cached))
	for name, c := range cached {
		users = append(users, protocol.CompactUser{
			ID:       name,
			Status:   protocol.Status(c.Status),
			Activity: protocol.Activity(c.Activity),
			Project:  c.Project,
			Language: c.Language,
		})
	}

	h.send(ctx, conn, protocol.TSync, protocol.ServerSync{Users: users})
}

func idsToUsernames(ctx context.Context, users store.UserRepository, ids []int64) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if u, err := users.GetByIdentityID(ctx, id); err == nil {
			out = append(out, u.Username)
		}
	}
	return out
}

// presenceGraph loads the social graph a presence topic event needs so each subscriber's Hub can resolve
// relationship-gated visibility locally.
func (h *Hub) presenceGraph(ctx context.Context, identityID int64) privacy.Graph {
	var graph privacy.Graph
	if u, err := h.users.GetByIdentityID(ctx, identityID); err == nil {
		graph = privacy.Graph{Followers: u.Followers, Following: u.Following, CloseFriends: u.CloseFriends}
	}
	return graph
}

// presenceGraphAndPrefs loads the social graph and the identity's current visibility mode and share preferences.
// Most callers want the current, post-update state; handlePrefsUpdate's invisible-transition broadcast is the one
// exception, since it must gate delivery on the mode that was in effect before the change, not after.
func (h *Hub) presenceGraphAndPrefs(ctx context.Context, identityID int64) (privacy.Graph, store.VisibilityMode, sharePrefs) {
	graph := h.presenceGraph(ctx, identityID)
	prefs := sharePrefs{ShareProject: true, ShareLanguage: true, ShareActivity: true}
	mode := store.VisibilityEveryone
	if p, err := h.users.GetPreferences(ctx, identityID); err == nil {
		mode = p.VisibilityMode
		prefs = sharePrefs{ShareProject: p.ShareProject, ShareLanguage: p.ShareLanguage, ShareActivity: p.ShareActivity}
	}
	return graph, mode, prefs
}

func (h *Hub) publishPresenceEvent(ctx context.Context, username string, ev presenceTopicEvent) {
	payload, err := encodePresenceEvent(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode presence event")
		return
	}
	if err := h.topicBus.Publish(ctx, broker.PresenceTopic(username), payload); err != nil {
		h.log.Warn().Err(err).Str("username", username).Msg("failed to publish presence event")
	}
}

// broadcastOnline publishes a full presence snapshot for username as an "o" event, called on a fresh (non-resumed)
// first window.
func (h *Hub) broadcastOnline(ctx context.Context, identityID int64, username string, agg presence.Aggregated) {
	graph, mode, prefs := h.presenceGraphAndPrefs(ctx, identityID)

	h.publishPresenceEvent(ctx, username, presenceTopicEvent{
		Kind:       presenceEventOnline,
		IdentityID: identityID,
		Mode:       mode,
		Graph:      graph,
		Prefs:      prefs,
		Online: &protocol.ServerOnline{
			ID:       username,
			Status:   agg.Status,
			Activity: agg.Activity,
			Project:  agg.Project,
			Language: agg.Language,
		},
	})
}

// broadcastOffline publishes an "x" event for username, carrying only the id and a server timestamp per the wire
// taxonomy. Called once the deferred offline timer scheduled by unregister actually elapses without a reconnect.
func (h *Hub) broadcastOffline(ctx context.Context, identityID int64, username string) {
	graph, mode, prefs := h.presenceGraphAndPrefs(ctx, identityID)
	h.broadcastOfflineAsOf(ctx, identityID, username, mode, prefs, graph)
}

// broadcastOfflineAsOf publishes an "x" event gated by an explicitly supplied mode/prefs/graph rather than the
// identity's current preferences. handlePrefsUpdate's invisible transition needs this: by the time it broadcasts,
// the stored mode is already the new "invisible" value, but delivery must still reach the viewers who could see the
// target a moment ago, under the mode that was in effect before the change.
func (h *Hub) broadcastOfflineAsOf(ctx context.Context, identityID int64, username string, mode store.VisibilityMode, prefs sharePrefs, graph privacy.Graph) {
	h.publishPresenceEvent(ctx, username, presenceTopicEvent{
		Kind:       presenceEventOffline,
		IdentityID: identityID,
		Mode:       mode,
		Graph:      graph,
		Prefs:      prefs,
		Offline:    &protocol.ServerOffline{ID: username, Timestamp: time.Now().UnixMilli()},
	})
}
