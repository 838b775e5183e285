// Package redislog is a Redis Streams eventlog.Log for deployments that need
// the log to survive a process restart. Sequence tokens are the stream IDs
// Redis allocates on XADD: time-ordered, strictly increasing, and directly
// usable as an exclusive XRANGE lower bound, so replay is a bounded range
// read rather than a scan.
package redislog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sessionwire/sessionwire-go/eventlog"
)

// Config for the Redis-backed log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for stream keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=sessionwire:events:"`
	// MaxLen caps each session's stream (approximate trim). ENV: EVENTLOG_MAXLEN
	MaxLen int64 `env:"EVENTLOG_MAXLEN,default=4096"`
	// Retention bounds how long an idle stream key lives. ENV: EVENTLOG_RETENTION
	Retention time.Duration `env:"EVENTLOG_RETENTION,default=1h"`
}

// Log implements eventlog.Log on Redis Streams.
type Log struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	retention time.Duration
}

var _ eventlog.Log = (*Log)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Log, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := &Log{client: cl, keyPrefix: cfg.KeyPrefix, maxLen: cfg.MaxLen, retention: cfg.Retention}
	if l.maxLen <= 0 {
		l.maxLen = 4096
	}
	if l.retention <= 0 {
		l.retention = time.Hour
	}
	return l, nil
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv() (*Log, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (l *Log) Close() error { return l.client.Close() }

func (l *Log) streamKey(sessionID string) string { return l.keyPrefix + sessionID }

func (l *Log) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	key := l.streamKey(sessionID)
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{"d": payload},
	}).Result()
	if err != nil {
		return "", err
	}
	// Refresh the idle-expiry backstop. Retention is advisory cleanup; a
	// client holding a token older than the horizon simply gets no replay.
	_ = l.client.Expire(ctx, key, 2*l.retention).Err()
	return id, nil
}

func (l *Log) Since(ctx context.Context, sessionID, token string, fn eventlog.HandlerFunc) error {
	if token == "" || !validStreamID(token) {
		return nil
	}
	key := l.streamKey(sessionID)

	start := "(" + token // exclusive lower bound
	for {
		msgs, err := l.client.XRangeN(ctx, key, start, "+", 128).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := fn(m.ID, payload); err != nil {
				return err
			}
			start = "(" + m.ID
		}
	}
}

func (l *Log) Purge(ctx context.Context, sessionID string) error {
	return l.client.Del(context.WithoutCancel(ctx), l.streamKey(sessionID)).Err()
}

// validStreamID filters tokens that Redis would reject outright, so a stale
// or foreign token degrades to an empty replay instead of an error.
func validStreamID(token string) bool {
	ms, seq, ok := strings.Cut(token, "-")
	if !ok {
		seq = "0"
	}
	return isDigits(ms) && isDigits(seq)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
