package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestResumeSaveAndLoad(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewResumeStore(rdb, 60*time.Second, 100)
	ctx := context.Background()

	token := NewResumeToken()
	if err := store.Save(ctx, token, "alice", 42); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx, token)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Username != "alice" {
		t.Errorf("Username = %q, want %q", loaded.Username, "alice")
	}
	if loaded.LastSeq != 42 {
		t.Errorf("LastSeq = %d, want 42", loaded.LastSeq)
	}
}

func TestResumeLoadNotFound(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewResumeStore(rdb, 60*time.Second, 100)

	_, err := store.Load(context.Background(), "nonexistent")
	if !errors.Is(err, ErrResumeNotFound) {
		t.Errorf("Load() error = %v, want ErrResumeNotFound", err)
	}
}

func TestResumeExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	store := NewResumeStore(rdb, 60*time.Second, 100)
	ctx := context.Background()

	token := NewResumeToken()
	if err := store.Save(ctx, token, "bob", 1); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	mr.FastForward(61 * time.Second)

	_, err := store.Load(ctx, token)
	if !errors.Is(err, ErrResumeNotFound) {
		t.Errorf("Load() after expiry error = %v, want ErrResumeNotFound", err)
	}
}

func TestResumeDelete(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewResumeStore(rdb, 60*time.Second, 100)
	ctx := context.Background()

	token := NewResumeToken()
	if err := store.Save(ctx, token, "carol", 1); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Delete(ctx, token); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := store.Load(ctx, token)
	if !errors.Is(err, ErrResumeNotFound) {
		t.Errorf("Load() after delete error = %v, want ErrResumeNotFound", err)
	}
}

func TestResumeReplayFiltersBySeq(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewResumeStore(rdb, 60*time.Second, 100)
	ctx := context.Background()

	token := NewResumeToken()
	for i := int64(1); i <= 5; i++ {
		if err := store.AppendReplay(ctx, token, i, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("AppendReplay(seq=%d) error = %v", i, err)
		}
	}

	frames, err := store.Replay(ctx, token, 3)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Replay() returned %d frames, want 2", len(frames))
	}
}

func TestResumeReplayTrimsToMax(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewResumeStore(rdb, 60*time.Second, 3)
	ctx := context.Background()

	token := NewResumeToken()
	for i := int64(1); i <= 10; i++ {
		if err := store.AppendReplay(ctx, token, i, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("AppendReplay(seq=%d) error = %v", i, err)
		}
	}

	frames, err := store.Replay(ctx, token, 0)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("Replay() returned %d frames, want 3 (buffer capped)", len(frames))
	}
}

func TestNewResumeTokenUnique(t *testing.T) {
	t.Parallel()
	a := NewResumeToken()
	b := NewResumeToken()
	if a == b {
		t.Error("NewResumeToken() produced two identical tokens")
	}
}
