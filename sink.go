package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

// AuditSink persists finished audit trails. Saves are best effort: the
// orchestrator logs a failing Save and carries on.
type AuditSink interface {
	Save(ctx context.Context, indicator string, trail *AuditTrail) error
}

// SinkFunc adapts a function to AuditSink.
type SinkFunc func(ctx context.Context, indicator string, trail *AuditTrail) error

func (f SinkFunc) Save(ctx context.Context, indicator string, trail *AuditTrail) error {
	return f(ctx, indicator, trail)
}

// auditRecord is the persisted form of a trail.
type auditRecord struct {
	Indicator string      `json:"indicator"`
	SavedAt   time.Time   `json:"savedAt"`
	Trail     *AuditTrail `json:"trail"`
}

// FileSink writes each trail to Dir as an indented JSON file named
// 20060102_150405_<indicator>_<id8>.json.
type FileSink struct {
	Dir string
	Now func() time.Time // nil → time.Now
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Filename returns the file name FileSink uses for trail.
func (s *FileSink) Filename(indicator string, trail *AuditTrail) string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	id := trail.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := unsafeName.ReplaceAllString(indicator, "_")
	if name == "" {
		name = "run"
	}
	return fmt.Sprintf("%s_%s_%s.json", now().Format("20060102_150405"), name, id)
}

func (s *FileSink) Save(_ context.Context, indicator string, trail *AuditTrail) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	data, err := json.MarshalIndent(auditRecord{Indicator: indicator, SavedAt: time.Now().UTC(), Trail: trail}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trail: %w", err)
	}
	path := filepath.Join(s.Dir, s.Filename(indicator, trail))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// DefaultRedisListKey is the list RedisSink pushes to when no key is given.
const DefaultRedisListKey = "keypool:audit"

// RedisSink pushes trails onto a capped Redis list, newest first.
type RedisSink struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

// NewRedisSink keeps at most maxLen records under key (maxLen <= 0 → unbounded).
func NewRedisSink(client redis.Cmdable, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = DefaultRedisListKey
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

// DialRedisSink connects to the Redis server at url and verifies the connection.
func DialRedisSink(ctx context.Context, url, key string, maxLen int64) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSink(client, key, maxLen), nil
}

func (s *RedisSink) Save(ctx context.Context, indicator string, trail *AuditTrail) error {
	data, err := json.Marshal(auditRecord{Indicator: indicator, SavedAt: time.Now().UTC(), Trail: trail})
	if err != nil {
		return fmt.Errorf("encode trail: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		if s.maxLen > 0 {
			pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push trail: %w", err)
	}
	return nil
}
