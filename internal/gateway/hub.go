// Package gateway is the Session Manager and WebSocket fan-out layer: it terminates client connections, resolves
// login/resume, aggregates a user's windows into a single presence, and relays chat and presence events between
// Valkey topics and the connections subscribed to them. It is grounded on the reference gateway's Hub/Client split,
// generalized to replace global-broadcast-plus-filter dispatch with genuine per-topic subscription.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/presenced/presenced/internal/broker"
	"github.com/presenced/presenced/internal/channel"
	"github.com/presenced/presenced/internal/config"
	"github.com/presenced/presenced/internal/gatewayerr"
	"github.com/presenced/presenced/internal/metrics"
	"github.com/presenced/presenced/internal/presence"
	"github.com/presenced/presenced/internal/privacy"
	"github.com/presenced/presenced/internal/protocol"
	"github.com/presenced/presenced/internal/store"
)

// Hub is the central connection registry and event router. A single Hub instance serves every WebSocket connection
// handled by this process; horizontal scale-out relies on the Ephemeral Broker's Valkey pub/sub topics to keep
// every process's Hub in sync, not on any shared in-memory state.
type Hub struct {
	cfg *config.Config
	log zerolog.Logger

	topicBus    *broker.TopicBus
	resumeStore *broker.ResumeStore
	statusCache *broker.StatusCache

	users    store.UserRepository
	guests   store.GuestRepository
	channels store.ChannelRepository
	engine   *channel.Engine
	metrics  *metrics.Metrics // nil in tests that do not care about instrumentation

	mu             sync.RWMutex
	byUsername     map[string]map[*Connection]bool // windows, keyed by local username
	presenceStates map[string]*presence.State
	topicSubs      map[string]map[*Connection]bool // topic -> locally-subscribed connections
	connTopics     map[*Connection]map[string]bool // reverse index, for cleanup on disconnect

	// offlineTimers holds a pending deferred offline broadcast per username, so a reconnect within the resume window
	// can cancel it before any subscriber ever observes the departure.
	offlineTimers map[string]pendingOffline
	offlineGen    uint64
}

// pendingOffline tracks one scheduled offline broadcast. gen disambiguates a stale goroutine's cleanup from a
// later reschedule of the same username racing against it at the exact moment its deadline elapses.
type pendingOffline struct {
	cancel context.CancelFunc
	gen    uint64
}

// NewHub constructs a Hub wired to the given config, broker components, and State Store repositories.
func NewHub(
	cfg *config.Config,
	topicBus *broker.TopicBus,
	resumeStore *broker.ResumeStore,
	statusCache *broker.StatusCache,
	users store.UserRepository,
	guests store.GuestRepository,
	channels store.ChannelRepository,
	engine *channel.Engine,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:            cfg,
		log:            logger.With().Str("component", "gateway").Logger(),
		topicBus:       topicBus,
		resumeStore:    resumeStore,
		statusCache:    statusCache,
		users:          users,
		guests:         guests,
		channels:       channels,
		engine:         engine,
		metrics:        m,
		byUsername:     make(map[string]map[*Connection]bool),
		presenceStates: make(map[string]*presence.State),
		topicSubs:      make(map[string]map[*Connection]bool),
		connTopics:     make(map[*Connection]map[string]bool),
		offlineTimers:  make(map[string]pendingOffline),
	}
}

// ServeWebSocket takes ownership of an upgraded WebSocket connection and runs it until the client disconnects.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	c := newConnection(h, conn, uuid.NewString(), h.log)
	go c.writePump()
	c.readPump()
}

// Run consumes events from the TopicBus and fans each one out to the local connections subscribed to its topic. It
// blocks until ctx is cancelled or the bus's message channel closes. This is the O(K) replacement for the reference
// implementation's single global channel consumed by every client: each message here only reaches connections whose
// topic subscription set actually contains it.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info().Msg("gateway hub consuming topic bus")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-h.topicBus.Messages():
			if !ok {
				return nil
			}
			h.routeMessage(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (h *Hub) routeMessage(ctx context.Context, topic string, payload []byte) {
	h.mu.RLock()
	subs := h.topicSubs[topic]
	targets := make([]*Connection, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	switch {
	case strings.HasPrefix(topic, "presence:"):
		h.routePresenceEvent(ctx, targets, payload)
		if h.metrics != nil {
			h.metrics.PublishObserved("presence", len(targets))
		}
	case strings.HasPrefix(topic, "channel:"):
		h.routeChannelEvent(ctx, targets, payload)
		if h.metrics != nil {
			h.metrics.PublishObserved("channel", len(targets))
		}
	}
}

func (h *Hub) routePresenceEvent(ctx context.Context, targets []*Connection, payload []byte) {
	ev, err := decodePresenceEvent(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("malformed presence topic event")
		return
	}

	for _, conn := range targets {
		viewerID := conn.IdentityID()
		if !privacy.Visible(viewerID, ev.IdentityID, ev.Mode, ev.Graph) {
			continue
		}
		fields := privacy.Redact(viewerID, ev.IdentityID, store.Preferences{
			ShareProject:  ev.Prefs.ShareProject,
			ShareLanguage: ev.Prefs.ShareLanguage,
			ShareActivity: ev.Prefs.ShareActivity,
		})

		switch ev.Kind {
		case presenceEventOnline:
			if ev.Online == nil {
				continue
			}
			snap := *ev.Online
			if !fields.Project {
				snap.Project = ""
			}
			if !fields.Language {
				snap.Language = ""
			}
			if !fields.Activity {
				snap.Activity = protocol.ActivityHidden
			}
			h.send(ctx, conn, protocol.TOnline, snap)

		case presenceEventOffline:
			if ev.Offline == nil {
				continue
			}
			h.send(ctx, conn, protocol.TOffline, *ev.Offline)

		default: // presenceEventUpdate
			if ev.Delta == nil {
				continue
			}
			delta := *ev.Delta
			if !fields.Project {
				delta.Project = nil
			}
			if !fields.Language {
				delta.Language = nil
			}
			if !fields.Activity && delta.Activity != nil {
				hidden := protocol.ActivityHidden
				delta.Activity = &hidden
			}
			h.send(ctx, conn, protocol.TUpdate, delta)
		}
	}
}

func (h *Hub) routeChannelEvent(ctx context.Context, targets []*Connection, payload []byte) {
	ev, err := decodeChannelEvent(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("malformed channel topic event")
		return
	}

	for _, conn := range targets {
		switch ev.Kind {
		case "update":
			if ev.Update != nil {
				h.send(ctx, conn, protocol.TChannelUpdate, ev.Update)
			}
		case "message":
			if ev.Message != nil {
				h.send(ctx, conn, protocol.TChannelMessageOK, ev.Message)
			}
		case "joined":
			if ev.Joined != nil {
				h.send(ctx, conn, protocol.TChannelJoined, ev.Joined)
			}
		case "left":
			if ev.Left != nil {
				h.send(ctx, conn, protocol.TChannelLeft, ev.Left)
			}
		}
	}
}

// send encodes payload under discriminator t, delivers it to conn, and appends it to conn's replay buffer so a
// subsequent resume can recover it.
func (h *Hub) send(ctx context.Context, conn *Connection, t string, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		h.log.Error().Err(err).Str("t", t).Msg("failed to encode frame")
		return
	}
	conn.enqueue(frame)
	if h.metrics != nil {
		h.metrics.FrameSent()
	}

	if token := conn.ResumeToken(); token != "" {
		seq := conn.nextSeq()
		if err := h.resumeStore.AppendReplay(ctx, token, seq, frame); err != nil {
			h.log.Warn().Err(err).Msg("failed to append replay entry")
		}
	}
}

// dispatch routes a decoded client frame to the handler for its discriminator tag.
func (h *Hub) dispatch(conn *Connection, tag string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if h.metrics != nil {
		h.metrics.FrameReceived()
	}

	switch tag {
	case protocol.TLogin:
		if msg, ok := payload.(*protocol.ClientLogin); ok {
			h.handleLogin(ctx, conn, msg)
		}
	case protocol.THeartbeat:
		h.handleHeartbeat(ctx, conn)
	case protocol.TStatusUpdate:
		if msg, ok := payload.(*protocol.ClientStatusUpdate); ok {
			h.handleStatusUpdate(ctx, conn, msg)
		}
	case protocol.TSetStatus:
		if msg, ok := payload.(*protocol.ClientSetCustomStatus); ok {
			h.handleSetCustomStatus(ctx, conn, msg)
		}
	case protocol.TClearStatus:
		h.handleClearCustomStatus(ctx, conn)
	case protocol.TPrefsUpdate:
		if msg, ok := payload.(*protocol.ClientPrefsUpdate); ok {
			h.handlePrefsUpdate(ctx, conn, msg)
		}
	case protocol.TCreateChannel:
		if msg, ok := payload.(*protocol.ClientCreateChannel); ok {
			h.handleCreateChannel(ctx, conn, msg)
		}
	case protocol.TJoinChannel:
		if msg, ok := payload.(*protocol.ClientJoinChannel); ok {
			h.handleJoinChannel(ctx, conn, msg)
		}
	case protocol.TLeaveChannel:
		if msg, ok := payload.(*protocol.ClientLeaveChannel); ok {
			h.handleLeaveChannel(ctx, conn, msg)
		}
	case protocol.TChannelMsg:
		if msg, ok := payload.(*protocol.ClientChannelMessage); ok {
			h.handleChannelMessage(ctx, conn, msg)
		}
	default:
		conn.sendError(gatewayerr.KindInvalidFrame, fmt.Sprintf("unhandled message type %q", tag))
	}
}

func (h *Hub) handleHeartbeat(ctx context.Context, conn *Connection) {
	if !conn.IsIdentified() {
		return
	}
	username := conn.Username()

	h.mu.Lock()
	if state, ok := h.presenceStates[username]; ok {
		state.Touch(conn.id, time.Now().Unix())
	}
	h.mu.Unlock()

	_ = h.statusCache.Refresh(ctx, username)
}

// unregister detaches conn from the Hub: it leaves its user's window set, unsubscribes every topic it held, and
// (for identified connections) persists a Resume Record so the session can survive a brief reconnect.
func (h *Hub) unregister(conn *Connection) {
	conn.closeSend()
	if h.metrics != nil {
		h.metrics.ConnectionClosed("")
	}

	username := conn.Username()
	if username == "" {
		h.dropTopics(conn)
		return
	}

	h.mu.Lock()
	if windows, ok := h.byUsername[username]; ok {
		delete(windows, conn)
		if len(windows) == 0 {
			delete(h.byUsername, username)
		}
	}
	state, hasState := h.presenceStates[username]
	if hasState {
		state.RemoveWindow(conn.id)
	}
	empty := hasState && state.IsEmpty()
	h.mu.Unlock()

	h.dropTopics(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if token := conn.ResumeToken(); token != "" {
		if err := h.resumeStore.Save(ctx, token, username, conn.currentSeq()); err != nil {
			h.log.Warn().Err(err).Str("username", username).Msg("failed to save resume record")
		}
	}

	if empty {
		if conn.IsGuest() {
			if err := h.guests.Release(ctx, username); err != nil {
				h.log.Warn().Err(err).Str("username", username).Msg("failed to release guest username")
			}
		} else if err := h.users.SetLastSeen(ctx, conn.IdentityID(), time.Now().UnixMilli()); err != nil {
			h.log.Warn().Err(err).Str("username", username).Msg("failed to persist last-seen")
		}
		h.scheduleOfflineBroadcast(conn.IdentityID(), username)
	}
}

// scheduleOfflineBroadcast defers announcing username's departure until the resume window has elapsed, so a
// reconnect (handled as a resume in completeLogin) can cancel it via cancelPendingOffline before any subscriber
// observes the departure at all. Any previously pending timer for username is cancelled first, since only the most
// recent disconnect's deadline should apply.
func (h *Hub) scheduleOfflineBroadcast(identityID int64, username string) {
	timerCtx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	if prev, ok := h.offlineTimers[username]; ok {
		prev.cancel()
	}
	h.offlineGen++
	gen := h.offlineGen
	h.offlineTimers[username] = pendingOffline{cancel: cancel, gen: gen}
	h.mu.Unlock()

	go func() {
		select {
		case <-timerCtx.Done():
			return
		case <-time.After(h.cfg.ResumeTokenTTL):
		}

		h.mu.Lock()
		if current, ok := h.offlineTimers[username]; ok && current.gen == gen {
			delete(h.offlineTimers, username)
		}
		state, hasState := h.presenceStates[username]
		stillEmpty := hasState && state.IsEmpty()
		h.mu.Unlock()
		if !stillEmpty {
			return
		}

		ctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer bcancel()
		h.broadcastOffline(ctx, identityID, username)
		_ = h.statusCache.Delete(ctx, username)
	}()
}

// cancelPendingOffline cancels any deferred offline broadcast scheduled for username, called when a window
// (re)registers so subscribers never observe a departure the user recovered from within the resume window.
func (h *Hub) cancelPendingOffline(username string) {
	h.mu.Lock()
	prev, ok := h.offlineTimers[username]
	if ok {
		delete(h.offlineTimers, username)
	}
	h.mu.Unlock()
	if ok {
		prev.cancel()
	}
}

// dropTopics unsubscribes conn from every topic it currently holds.
func (h *Hub) dropTopics(conn *Connection) {
	h.mu.Lock()
	topics := h.connTopics[conn]
	delete(h.connTopics, conn)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for topic := range topics {
		h.unsubscribeTopic(ctx, conn, topic)
	}
}

func (h *Hub) subscribeTopic(ctx context.Context, conn *Connection, topic string) {
	h.mu.Lock()
	if h.topicSubs[topic] == nil {
		h.topicSubs[topic] = make(map[*Connection]bool)
	}
	h.topicSubs[topic][conn] = true
	if h.connTopics[conn] == nil {
		h.connTopics[conn] = make(map[string]bool)
	}
	h.connTopics[conn][topic] = true
	h.mu.Unlock()

	if err := h.topicBus.Subscribe(ctx, topic); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("failed to subscribe to topic")
	}
}

func (h *Hub) unsubscribeTopic(ctx context.Context, conn *Connection, topic string) {
	h.mu.Lock()
	if conns, ok := h.topicSubs[topic]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.topicSubs, topic)
		}
	}
	if topics, ok := h.connTopics[conn]; ok {
		delete(topics, topic)
	}
	h.mu.Unlock()

	if err := h.topicBus.Unsubscribe(ctx, topic); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("failed to unsubscribe from topic")
	}
}

// Shutdown closes every active connection, giving each a chance to reconnect against another instance.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Connection, 0)
	for _, windows := range h.byUsername {
		for c := range windows {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(gatewayerr.CloseShutdown, "server shutting down")
	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.closeSend()
		_ = c.conn.Close()
	}
	h.log.Info().Msg("gateway hub shut down")
}

// ConnectionCount returns the number of currently connected windows across all users.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, windows := range h.byUsername {
		n += len(windows)
	}
	return n
}
