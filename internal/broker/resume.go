package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewResumeToken generates an opaque, unguessable resume token, handed to the client at login in the token frame.
func NewResumeToken() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.New().String()
}

// resumeRecord is the JSON structure persisted in Valkey for a disconnected session.
type resumeRecord struct {
	Username       string `json:"username"`
	LastSeq        int64  `json:"last_seq"`
	DisconnectedAt int64  `json:"disconnected_at"`
}

// ResumeStore manages Resume Records and their replay buffers in Valkey. A record is written when a client
// disconnects and consumed when the client presents its resume token within the TTL window; past that window the
// key expires and the session cannot be resumed.
type ResumeStore struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxReplay int
}

// NewResumeStore creates a Resume Record store backed by rdb. ttl is the resume window (60s by default); maxReplay
// bounds the number of buffered frames retained per session.
func NewResumeStore(rdb *redis.Client, ttl time.Duration, maxReplay int) *ResumeStore {
	return &ResumeStore{rdb: rdb, ttl: ttl, maxReplay: maxReplay}
}

func resumeKey(token string) string { return "resume:" + token }
func replayKey(token string) string { return "resume:replay:" + token }

// Save persists a Resume Record under token, keyed independently of the replay buffer so both share the same TTL.
func (s *ResumeStore) Save(ctx context.Context, token, username string, lastSeq int64) error {
	data, err := json.Marshal(resumeRecord{
		Username:       username,
		LastSeq:        lastSeq,
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal resume record: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, resumeKey(token), data, s.ttl)
	pipe.Expire(ctx, replayKey(token), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save resume record: %w", err)
	}
	return nil
}

// Resumed is the state restored when a resume token is honored.
type Resumed struct {
	Username string
	LastSeq  int64
}

// Load retrieves a Resume Record by token. Returns ErrResumeNotFound if it does not exist or has expired.
func (s *ResumeStore) Load(ctx context.Context, token string) (*Resumed, error) {
	raw, err := s.rdb.Get(ctx, resumeKey(token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrResumeNotFound
		}
		return nil, fmt.Errorf("load resume record: %w", err)
	}

	var rec resumeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal resume record: %w", err)
	}
	return &Resumed{Username: rec.Username, LastSeq: rec.LastSeq}, nil
}

// Delete removes a Resume Record and its replay buffer, called once a resume succeeds so the token cannot be reused.
func (s *ResumeStore) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, resumeKey(token), replayKey(token)).Err(); err != nil {
		return fmt.Errorf("delete resume record: %w", err)
	}
	return nil
}

// replayEntry pairs a buffered frame with the sequence number it was dispatched under.
type replayEntry struct {
	Seq     int64           `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// AppendReplay records a dispatched frame in token's replay buffer, trimmed to maxReplay entries and re-expired on
// every append so a continuously-active session's buffer never lapses mid-stream.
func (s *ResumeStore) AppendReplay(ctx context.Context, token string, seq int64, payload json.RawMessage) error {
	entry, err := json.Marshal(replayEntry{Seq: seq, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	key := replayKey(token)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-s.maxReplay), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append replay entry: %w", err)
	}
	return nil
}

// Replay returns every buffered frame with a sequence number strictly greater than afterSeq, in dispatch order.
func (s *ResumeStore) Replay(ctx context.Context, token string, afterSeq int64) ([]json.RawMessage, error) {
	raw, err := s.rdb.LRange(ctx, replayKey(token), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay buffer: %w", err)
	}

	var out []json.RawMessage
	for _, item := range raw {
		var entry replayEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Seq > afterSeq {
			out = append(out, entry.Payload)
		}
	}
	return out, nil
}
