package gateway

import (
	"context"
	"time"

	"github.com/presenced/presenced/internal/presence"
	"github.com/presenced/presenced/internal/protocol"
)

// livenessSweepInterval is how often the Liveness Monitor scans every connected user's presence state for stale
// windows and expired custom statuses. One goroutine per process runs this sweep regardless of how many connections
// that process is serving.
const livenessSweepInterval = 30 * time.Second

// RunLivenessMonitor sweeps every connected user's presence state on a fixed interval, moving stale windows to Away
// once they exceed the configured away timeout and clearing custom statuses whose expiry has passed. It blocks until
// ctx is cancelled.
func (h *Hub) RunLivenessMonitor(ctx context.Context) {
	ticker := time.NewTicker(livenessSweepInterval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", livenessSweepInterval).Msg("liveness monitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepLiveness(ctx)
		}
	}
}

func (h *Hub) sweepLiveness(ctx context.Context) {
	sweepStart := time.Now()
	now := sweepStart.Unix()
	awayTimeout := int64(h.cfg.AwayTimeout / time.Second)

	type change struct {
		username   string
		identityID int64
		agg        presence.Aggregated
		delta      *protocol.ServerUpdate
	}
	var changes []change

	h.mu.Lock()
	for username, state := range h.presenceStates {
		prev := state.Last()

		wentAway := state.SweepAway(now, awayTimeout)

		expiredStatus := state.CustomStatusExpired(now)
		if expiredStatus {
			state.ClearCustomStatus()
		}

		if !wentAway && !expiredStatus {
			continue
		}

		next := state.Refresh()
		var identityID int64
		for c := range h.byUsername[username] {
			identityID = c.IdentityID()
			break
		}

		var customStatus *string
		if expiredStatus {
			empty := ""
			customStatus = &empty
		}

		delta := presence.Delta(username, prev, next, customStatus)
		if delta != nil {
			changes = append(changes, change{
				username:   username,
				identityID: identityID,
				agg:        next,
				delta:      delta,
			})
		}
	}
	h.mu.Unlock()

	for _, c := range changes {
		h.persistCachedStatus(ctx, c.username, c.agg, "")
		h.publishPresenceDelta(ctx, c.identityID, c.username, *c.delta)
	}

	if len(changes) > 0 {
		h.log.Debug().Int("count", len(changes)).Msg("liveness sweep applied changes")
	}
	if h.metrics != nil {
		h.metrics.LivenessSweepObserved(time.Since(sweepStart), len(changes))
	}
}
