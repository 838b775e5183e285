// Package memory provides an in-memory storage.KV backed by
// github.com/hashicorp/golang-lru/v2. The LRU bound keeps a misbehaving or
// abandoned deployment from growing without limit; eviction of a live session
// record is indistinguishable from expiry, which the transport already
// tolerates (the client re-initializes).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sessionwire/sessionwire-go/storage"
)

type item struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// KV implements storage.KV in process memory.
type KV struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *item]
}

var _ storage.KV = (*KV)(nil)

// New creates an in-memory KV holding at most maxKeys entries.
func New(maxKeys int) (*KV, error) {
	cache, err := lru.New[string, *item](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &KV{cache: cache}, nil
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if it.expired(time.Now()) {
		s.cache.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte, opts ...storage.Option) error {
	var options storage.Options
	for _, opt := range opts {
		opt(&options)
	}

	it := &item{value: append([]byte(nil), value...)}
	if options.TTL > 0 {
		it.expiresAt = time.Now().Add(options.TTL)
	}

	s.mu.Lock()
	s.cache.Add(key, it)
	s.mu.Unlock()
	return nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *KV) Scan(ctx context.Context, prefix, startAfter string, limit int) ([]storage.Entry, error) {
	now := time.Now()

	s.mu.Lock()
	keys := s.cache.Keys()
	matched := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if startAfter != "" && k <= startAfter {
			continue
		}
		matched = append(matched, k)
	}
	sort.Strings(matched)

	entries := make([]storage.Entry, 0, len(matched))
	for _, k := range matched {
		if limit > 0 && len(entries) >= limit {
			break
		}
		it, ok := s.cache.Peek(k)
		if !ok || it.expired(now) {
			continue
		}
		entries = append(entries, storage.Entry{Key: k, Value: append([]byte(nil), it.value...)})
	}
	s.mu.Unlock()

	return entries, nil
}

func (s *KV) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}
