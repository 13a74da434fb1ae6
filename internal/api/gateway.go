package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/presenced/presenced/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time gateway.
type GatewayHandler struct {
	hub      *gateway.Hub
	maxConns int
}

// NewGatewayHandler creates a new gateway handler. maxConns caps the number of simultaneously open windows the
// Hub will accept; further upgrade attempts are rejected with 503 rather than silently degrading every connection.
func NewGatewayHandler(hub *gateway.Hub, maxConns int) *GatewayHandler {
	return &GatewayHandler{hub: hub, maxConns: maxConns}
}

// Upgrade handles GET /gateway. It upgrades the HTTP connection to a WebSocket and hands it to the Hub; all
// authentication happens inside the socket via the login/resume frame, not at the HTTP layer.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.hub.ConnectionCount() >= h.maxConns {
		return fiber.ErrServiceUnavailable
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
