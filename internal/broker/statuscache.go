package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStatus is the ephemeral presence record held in the Status Cache. It is the union of every field a client
// may broadcast: base status, the richer activity window fields, and an optional custom status with its own expiry.
type CachedStatus struct {
	Status           string `json:"status"`
	Activity         string `json:"activity,omitempty"`
	Project          string `json:"project,omitempty"`
	Language         string `json:"language,omitempty"`
	CustomStatusText string `json:"custom_status_text,omitempty"`
	CustomExpiresAt  int64  `json:"custom_expires_at,omitempty"` // unix seconds, 0 means no expiry
	UpdatedAt        int64  `json:"updated_at"`
}

// StatusCache reads and writes per-user presence state in Valkey with a 1-hour TTL, refreshed on every write and
// every heartbeat.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache creates a Status Cache backed by rdb with the given TTL.
func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: ttl}
}

func statusKey(username string) string { return "presence:" + username }

// Set stores username's presence state, resetting the TTL.
func (c *StatusCache) Set(ctx context.Context, username string, s CachedStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := c.rdb.Set(ctx, statusKey(username), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set status for %s: %w", username, err)
	}
	return nil
}

// Get returns username's cached status. The second return value is false if no entry exists (the user is offline
// and has no lingering cache entry).
func (c *StatusCache) Get(ctx context.Context, username string) (CachedStatus, bool, error) {
	raw, err := c.rdb.Get(ctx, statusKey(username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CachedStatus{}, false, nil
		}
		return CachedStatus{}, false, fmt.Errorf("get status for %s: %w", username, err)
	}
	var s CachedStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return CachedStatus{}, false, fmt.Errorf("unmarshal status for %s: %w", username, err)
	}
	return s, true, nil
}

// GetMany batch-fetches cached status for multiple users in a single round trip, grounded on the MGet pattern used
// for bulk presence reads. Users with no cache entry are simply absent from the returned map.
func (c *StatusCache) GetMany(ctx context.Context, usernames []string) (map[string]CachedStatus, error) {
	if len(usernames) == 0 {
		return nil, nil
	}

	keys := make([]string, len(usernames))
	for i, u := range usernames {
		keys[i] = statusKey(u)
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget status: %w", err)
	}

	out := make(map[string]CachedStatus, len(usernames))
	for i, v := range vals {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s CachedStatus
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out[usernames[i]] = s
	}
	return out, nil
}

// Refresh extends the TTL of an existing status entry without altering its contents, called on each heartbeat.
func (c *StatusCache) Refresh(ctx context.Context, username string) error {
	if err := c.rdb.Expire(ctx, statusKey(username), c.ttl).Err(); err != nil {
		return fmt.Errorf("refresh status for %s: %w", username, err)
	}
	return nil
}

// Delete removes username's cached status, called on disconnect once no Window remains live for that user.
func (c *StatusCache) Delete(ctx context.Context, username string) error {
	if err := c.rdb.Del(ctx, statusKey(username)).Err(); err != nil {
		return fmt.Errorf("delete status for %s: %w", username, err)
	}
	return nil
}
