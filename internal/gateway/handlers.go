package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/presenced/presenced/internal/broker"
	"github.com/presenced/presenced/internal/channel"
	"github.com/presenced/presenced/internal/gatewayerr"
	"github.com/presenced/presenced/internal/presence"
	"github.com/presenced/presenced/internal/protocol"
	"github.com/presenced/presenced/internal/store"
)

// handleStatusUpdate applies a window's reported status/activity/project/language to its connection's presence
// state and re-broadcasts the aggregate if it changed.
func (h *Hub) handleStatusUpdate(ctx context.Context, conn *Connection, msg *protocol.ClientStatusUpdate) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	username := conn.Username()

	h.mu.Lock()
	state, ok := h.presenceStates[username]
	if !ok {
		h.mu.Unlock()
		return
	}
	w, exists := state.Windows[conn.id]
	if !exists {
		w = presence.Window{ID: conn.id, RegisteredAt: time.Now().UnixNano()}
	}
	if msg.Status != nil {
		w.Status = *msg.Status
	}
	if msg.Activity != nil {
		w.Activity = *msg.Activity
	}
	if msg.Project != nil {
		w.Project = *msg.Project
	}
	if msg.Language != nil {
		w.Language = *msg.Language
	}
	w.LastActivityAt = time.Now().Unix()
	state.SetWindow(w)
	prev := state.Last()
	next := state.Refresh()
	h.mu.Unlock()

	h.persistCachedStatus(ctx, username, next, "")

	delta := presence.Delta(username, prev, next, nil)
	if delta == nil {
		return
	}
	h.publishPresenceDelta(ctx, conn.IdentityID(), username, *delta)
}

// handleSetCustomStatus records a free-text custom status with an optional expiry and broadcasts it as a delta.
func (h *Hub) handleSetCustomStatus(ctx context.Context, conn *Connection, msg *protocol.ClientSetCustomStatus) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	text := channel.SanitizeContent(msg.Text)
	username := conn.Username()

	var expiresAt int64
	if msg.ExpiresIn != nil && *msg.ExpiresIn > 0 {
		expiresAt = time.Now().Unix() + *msg.ExpiresIn
	}
	emoji := ""
	if msg.Emoji != nil {
		emoji = *msg.Emoji
	}

	h.mu.Lock()
	state, ok := h.presenceStates[username]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.SetCustomStatus(text, emoji, expiresAt)
	agg := state.Last()
	h.mu.Unlock()

	combined := text
	if emoji != "" {
		combined = emoji + " " + text
	}
	h.persistCachedStatus(ctx, username, agg, combined)
	h.publishPresenceDelta(ctx, conn.IdentityID(), username, protocol.ServerUpdate{ID: username, CustomStatus: &combined})
}

// handleClearCustomStatus removes any custom status and broadcasts the removal.
func (h *Hub) handleClearCustomStatus(ctx context.Context, conn *Connection) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	username := conn.Username()

	h.mu.Lock()
	state, ok := h.presenceStates[username]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.ClearCustomStatus()
	agg := state.Last()
	h.mu.Unlock()

	h.persistCachedStatus(ctx, username, agg, "")
	empty := ""
	h.publishPresenceDelta(ctx, conn.IdentityID(), username, protocol.ServerUpdate{ID: username, CustomStatus: &empty})
}

// handlePrefsUpdate applies a partial preferences patch to the State Store. A visibility-mode transition into or
// out of invisible triggers an immediate re-evaluation: moving to invisible publishes an offline event to whoever
// could see the target a moment ago, and moving out of it publishes a fresh online snapshot to whoever can see the
// target under the new mode.
func (h *Hub) handlePrefsUpdate(ctx context.Context, conn *Connection, msg *protocol.ClientPrefsUpdate) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	identityID := conn.IdentityID()
	username := conn.Username()

	prefs, err := h.users.GetPreferences(ctx, identityID)
	if err != nil {
		p := store.DefaultPreferences(identityID)
		prefs = &p
	}
	priorMode := prefs.VisibilityMode
	priorPrefs := sharePrefs{ShareProject: prefs.ShareProject, ShareLanguage: prefs.ShareLanguage, ShareActivity: prefs.ShareActivity}

	if msg.Prefs.VisibilityMode != nil {
		if !protocol.ValidVisibility(*msg.Prefs.VisibilityMode) {
			conn.sendError(gatewayerr.KindInvalidFrame, "invalid visibility mode")
			return
		}
		prefs.VisibilityMode = store.VisibilityMode(*msg.Prefs.VisibilityMode)
	}
	if msg.Prefs.ShareProject != nil {
		prefs.ShareProject = *msg.Prefs.ShareProject
	}
	if msg.Prefs.ShareLanguage != nil {
		prefs.ShareLanguage = *msg.Prefs.ShareLanguage
	}
	if msg.Prefs.ShareActivity != nil {
		prefs.ShareActivity = *msg.Prefs.ShareActivity
	}

	if err := h.users.UpsertPreferences(ctx, *prefs); err != nil {
		conn.sendError(gatewayerr.KindInternal, "failed to save preferences")
		return
	}

	becameInvisible := priorMode != store.VisibilityInvisible && prefs.VisibilityMode == store.VisibilityInvisible
	leftInvisible := priorMode == store.VisibilityInvisible && prefs.VisibilityMode != store.VisibilityInvisible
	switch {
	case becameInvisible:
		graph := h.presenceGraph(ctx, identityID)
		h.broadcastOfflineAsOf(ctx, identityID, username, priorMode, priorPrefs, graph)
	case leftInvisible:
		h.mu.RLock()
		var agg presence.Aggregated
		if state, ok := h.presenceStates[username]; ok {
			agg = state.Last()
		}
		h.mu.RUnlock()
		h.broadcastOnline(ctx, identityID, username, agg)
	}
}

// handleCreateChannel creates a new channel owned by the connection's identity and subscribes the connection to its
// topic immediately.
func (h *Hub) handleCreateChannel(ctx context.Context, conn *Connection, msg *protocol.ClientCreateChannel) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	ch, err := h.engine.Create(ctx, conn.IdentityID(), conn.Username(), msg.Name, conn.IsGuest())
	if err != nil {
		conn.sendError(classifyChannelErr(err), err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.ChannelCreated()
	}
	h.subscribeTopic(ctx, conn, broker.ChannelTopic(ch.ID))
	h.send(ctx, conn, protocol.TCreateChannelOK, protocol.ServerCreateChannelOK{
		ChannelID:  ch.ID,
		Name:       ch.Name,
		InviteCode: ch.InviteCode,
	})
}

// handleJoinChannel joins the connection's identity to the channel named by an invite code, subscribes it to the
// channel's topic, syncs it with the current membership's presence, and announces the join to existing members.
func (h *Hub) handleJoinChannel(ctx context.Context, conn *Connection, msg *protocol.ClientJoinChannel) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	ch, err := h.engine.Join(ctx, conn.IdentityID(), conn.Username(), msg.InviteCode, conn.IsGuest())
	if err != nil {
		conn.sendError(classifyChannelErr(err), err.Error())
		return
	}

	h.subscribeTopic(ctx, conn, broker.ChannelTopic(ch.ID))
	h.send(ctx, conn, protocol.TJoinChannelOK, protocol.ServerJoinChannelOK{ChannelID: ch.ID, Name: ch.Name})
	h.sendChannelSync(ctx, conn, ch.ID, ch.Name)

	joined := channelTopicEvent{
		Kind: "joined",
		Joined: &protocol.ServerChannelJoined{
			ChannelID: ch.ID,
			Member:    protocol.CompactUser{ID: conn.Username()},
		},
	}
	h.publishChannelEvent(ctx, ch.ID, joined)
}

// handleLeaveChannel removes the connection's identity from a channel and unsubscribes it from the channel's topic.
func (h *Hub) handleLeaveChannel(ctx context.Context, conn *Connection, msg *protocol.ClientLeaveChannel) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	if err := h.engine.Leave(ctx, msg.ChannelID, conn.IdentityID()); err != nil {
		conn.sendError(classifyChannelErr(err), err.Error())
		return
	}
	h.unsubscribeTopic(ctx, conn, broker.ChannelTopic(msg.ChannelID))

	left := channelTopicEvent{
		Kind: "left",
		Left: &protocol.ServerChannelLeft{ChannelID: msg.ChannelID, ID: conn.Username()},
	}
	h.publishChannelEvent(ctx, msg.ChannelID, left)
}

// handleChannelMessage validates membership, sanitises content, and publishes a chat message to a channel's topic.
// Chat messages are not persisted — they are ephemeral fan-out events scoped to whoever is currently subscribed.
func (h *Hub) handleChannelMessage(ctx context.Context, conn *Connection, msg *protocol.ClientChannelMessage) {
	if !conn.IsIdentified() {
		conn.sendError(gatewayerr.KindAuthFailure, "not logged in")
		return
	}
	content, err := h.engine.PrepareMessage(ctx, msg.ChannelID, conn.IdentityID(), msg.Content)
	if err != nil {
		conn.sendError(classifyChannelErr(err), err.Error())
		return
	}

	event := channelTopicEvent{
		Kind: "message",
		Message: &protocol.ServerChannelMessage{
			ChannelID: msg.ChannelID,
			ID:        conn.Username(),
			Content:   content,
			Timestamp: time.Now().UnixMilli(),
		},
	}
	h.publishChannelEvent(ctx, msg.ChannelID, event)
}

// sendChannelSync sends a membership snapshot for a newly-joined channel.
func (h *Hub) sendChannelSync(ctx context.Context, conn *Connection, channelID, name string) {
	members, err := h.channels.ListMembers(ctx, channelID)
	if err != nil {
		h.log.Warn().Err(err).Str("channel_id", channelID).Msg("failed to list channel members for sync")
		return
	}

	usernames := make([]string, 0, len(members))
	for _, m := range members {
		usernames = append(usernames, m.Username)
	}
	cached, err := h.statusCache.GetMany(ctx, usernames)
	if err != nil {
		cached = nil
	}

	compact := make([]protocol.CompactUser, 0, len(members))
	for _, m := range members {
		c, ok := cached[m.Username]
		if !ok {
			compact = append(compact, protocol.CompactUser{ID: m.Username, Status: protocol.StatusOffline, Activity: protocol.ActivityHidden})
			continue
		}
		compact = append(compact, protocol.CompactUser{
			ID:       m.Username,
			Status:   protocol.Status(c.Status),
			Activity: protocol.Activity(c.Activity),
			Project:  c.Project,
			Language: c.Language,
		})
	}

	h.send(ctx, conn, protocol.TChannelSync, protocol.ServerChannelSync{ChannelID: channelID, Name: name, Members: compact})
}

func (h *Hub) publishChannelEvent(ctx context.Context, channelID string, ev channelTopicEvent) {
	payload, err := encodeChannelEvent(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode channel event")
		return
	}
	if err := h.topicBus.Publish(ctx, broker.ChannelTopic(channelID), payload); err != nil {
		h.log.Warn().Err(err).Str("channel_id", channelID).Msg("failed to publish channel event")
	}
}

// publishPresenceDelta wraps a precomputed delta as a "u" presence topic event, used by status/custom-status
// handlers and the liveness sweep, all of which already know exactly which fields changed rather than recomputing
// from a zero baseline.
func (h *Hub) publishPresenceDelta(ctx context.Context, identityID int64, username string, delta protocol.ServerUpdate) {
	graph, mode, prefs := h.presenceGraphAndPrefs(ctx, identityID)

	h.publishPresenceEvent(ctx, username, presenceTopicEvent{
		Kind:       presenceEventUpdate,
		IdentityID: identityID,
		Mode:       mode,
		Graph:      graph,
		Prefs:      prefs,
		Delta:      &delta,
	})
}

func (h *Hub) persistCachedStatus(ctx context.Context, username string, agg presence.Aggregated, customStatus string) {
	cached := broker.CachedStatus{
		Status:           string(agg.Status),
		Activity:         string(agg.Activity),
		Project:          agg.Project,
		Language:         agg.Language,
		CustomStatusText: customStatus,
		UpdatedAt:        time.Now().Unix(),
	}
	if err := h.statusCache.Set(ctx, username, cached); err != nil {
		h.log.Warn().Err(err).Str("username", username).Msg("failed to persist cached status")
	}
}

// classifyChannelErr maps a channel/store error to the gatewayerr.Kind reported to the client.
func classifyChannelErr(err error) gatewayerr.Kind {
	switch {
	case errors.Is(err, store.ErrChannelNotFound):
		return gatewayerr.KindNotFound
	case errors.Is(err, store.ErrChannelFull):
		return gatewayerr.KindFullChannel
	case errors.Is(err, store.ErrMembershipExists):
		return gatewayerr.KindAlreadyMember
	case errors.Is(err, channel.ErrGuestNotAllowed):
		return gatewayerr.KindForbidden
	case errors.Is(err, channel.ErrNameLength), errors.Is(err, channel.ErrInvalidCode), errors.Is(err, channel.ErrEmptyMessage):
		return gatewayerr.KindInvalidFrame
	default:
		return gatewayerr.KindInternal
	}
}
