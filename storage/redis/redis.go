// Package redis provides a storage.KV backed by a Redis server via
// github.com/redis/go-redis/v9. Per-key TTLs map directly onto Redis key
// expiry; Scan is implemented with SCAN MATCH plus a client-side sort, which
// is acceptable for its only hot caller (the advisory session sweep).
package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sessionwire/sessionwire-go/storage"
)

// Config for the Redis-backed KV. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: STORAGE_KEY_PREFIX
	KeyPrefix string `env:"STORAGE_KEY_PREFIX,default=sessionwire:"`
}

// KV implements storage.KV on Redis.
type KV struct {
	client    *redis.Client
	keyPrefix string
}

var _ storage.KV = (*KV)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*KV, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &KV{client: cl, keyPrefix: cfg.KeyPrefix}, nil
}

// NewFromEnv builds a KV using envdecode to populate Config.
func NewFromEnv() (*KV, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte, opts ...storage.Option) error {
	var options storage.Options
	for _, opt := range opts {
		opt(&options)
	}
	var ttl time.Duration
	if options.TTL > 0 {
		ttl = options.TTL
	}
	return s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err()
}

func (s *KV) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}

func (s *KV) Scan(ctx context.Context, prefix, startAfter string, limit int) ([]storage.Entry, error) {
	pattern := s.keyPrefix + prefix + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// Strip our instance prefix and apply the caller's ordering contract.
	short := keys[:0]
	for _, k := range keys {
		trimmed := k[len(s.keyPrefix):]
		if startAfter != "" && trimmed <= startAfter {
			continue
		}
		short = append(short, trimmed)
	}
	sort.Strings(short)
	if limit > 0 && len(short) > limit {
		short = short[:limit]
	}

	entries := make([]storage.Entry, 0, len(short))
	for _, k := range short {
		v, err := s.client.Get(ctx, s.keyPrefix+k).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.Entry{Key: k, Value: v})
	}
	return entries, nil
}

func (s *KV) Close() error { return s.client.Close() }
