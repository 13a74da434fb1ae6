package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/presenced/presenced/internal/gatewayerr"
	"github.com/presenced/presenced/internal/protocol"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// loginTimeout is how long a connection has to send a login frame after the WebSocket handshake completes.
	loginTimeout = 30 * time.Second
)

// Connection represents a single WebSocket window onto a user's presence. Each connection runs two goroutines
// (readPump and writePump) and communicates with the Hub via its send channel and callback methods. A single user
// may hold several simultaneous Connections (one per editor window or browser tab); the Hub aggregates them into a
// single visible presence.
type Connection struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// id uniquely identifies this connection as a presence window. It has no meaning outside the process.
	id string

	// done is closed to signal that the connection is shutting down. The send channel is never closed directly;
	// writePump and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that
	// would otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// Session state, protected by mu. Fields are written during login/resume and read by the Hub during dispatch.
	mu           sync.RWMutex
	identityID   int64
	username     string
	isGuest      bool
	resumeToken  string
	seq          atomic.Int64
	identified   bool
	registeredAt int64 // unix nanoseconds, used to break presence aggregation ties

	// Rate limiting state (only accessed from readPump, no mutex needed).
	eventCount  int
	windowStart time.Time
}

func newConnection(hub *Hub, conn *websocket.Conn, id string, logger zerolog.Logger) *Connection {
	return &Connection{
		hub:  hub,
		conn: conn,
		id:   id,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  logger,
	}
}

// closeSend signals the connection's write loop to stop. It is safe to call from multiple goroutines; only the
// first call has any effect.
func (c *Connection) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Username returns the authenticated username, or "" before login completes.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// IdentityID returns the authenticated numeric identity, or 0 for a guest or before login completes.
func (c *Connection) IdentityID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identityID
}

// IsGuest reports whether this connection logged in as a guest rather than an authenticated identity.
func (c *Connection) IsGuest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isGuest
}

// IsIdentified reports whether login has completed.
func (c *Connection) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// ResumeToken returns the token this connection's session can currently be resumed with.
func (c *Connection) ResumeToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resumeToken
}

// nextSeq increments and returns the next sequence number for a dispatch event.
func (c *Connection) nextSeq() int64 {
	return c.seq.Add(1)
}

// currentSeq returns the current sequence number without incrementing.
func (c *Connection) currentSeq() int64 {
	return c.seq.Load()
}

// readPump reads frames from the WebSocket connection and routes them by their "t" discriminator. It runs in its
// own goroutine and is responsible for unregistering the connection and closing the socket when the read loop
// exits.
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := c.hub.cfg.HeartbeatInterval
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before timing out, so a single missed heartbeat does not
	// immediately sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	loginTimer := time.AfterFunc(loginTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("connection did not log in within the timeout")
			c.closeWithKind(gatewayerr.KindAuthFailure, "login timeout")
		}
	})
	defer loginTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithKind(gatewayerr.KindInvalidFrame, "rate limit exceeded")
			return
		}

		tag, payload, err := protocol.Decode(message)
		if err != nil {
			c.sendError(gatewayerr.KindInvalidFrame, "invalid frame")
			continue
		}

		loggedInBefore := c.IsIdentified()
		c.hub.dispatch(c, tag, payload)
		if !loggedInBefore && c.IsIdentified() {
			loginTimer.Stop()
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and
// exits when done is closed. Any messages remaining in the send buffer are drained before returning so the client
// receives everything queued before a graceful close.
func (c *Connection) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue sends a message to the connection's write channel. If the connection has already been shut down the
// message is silently dropped. If the channel is full, the message is dropped and the connection is closed to
// prevent a slow reader from stalling the Hub's fan-out loop.
func (c *Connection) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("connection send buffer full, closing")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// sendError enqueues a non-fatal "error" frame without closing the connection.
func (c *Connection) sendError(kind gatewayerr.Kind, message string) {
	code := string(kind)
	frame, err := protocol.Encode(protocol.TError, protocol.ServerError{Error: message, Code: &code})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode error frame")
		return
	}
	c.enqueue(frame)
}

// closeWithKind sends a WebSocket close frame with the code matching kind and the given reason, then closes the
// underlying connection.
func (c *Connection) closeWithKind(kind gatewayerr.Kind, reason string) {
	code := gatewayerr.CloseCodeFor(kind)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.closeSend()
	_ = c.conn.Close()
}

// rateLimited returns true if the connection has exceeded the configured message rate limit.
func (c *Connection) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitCount
}
