// Package api wires presenced's non-gateway HTTP surface: the health check and the WebSocket upgrade route that
// hands a connection off to the gateway Hub. Route registration itself lives in cmd/presenced: run() registers each
// route inline against the thin per-concern handlers defined here.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/presenced/presenced/internal/httputil"
)

// HealthHandler serves the health check endpoint, reporting the State Store and Ephemeral Broker's reachability
// independently so an operator can tell which dependency degraded service.
type HealthHandler struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

// NewHealthHandler constructs a health handler bound to the process's Postgres pool and Valkey client.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Health handles GET /health. It pings both dependencies with a short timeout and reports "degraded" (503) if
// either is unreachable, "ok" (200) otherwise.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	brokerStatus := "ok"
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		brokerStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || brokerStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"broker":   brokerStatus,
	})
}
