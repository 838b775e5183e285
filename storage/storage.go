// Package storage defines the durable key-value contract consumed by the
// session store and (optionally) other components. Implementations must be
// safe for concurrent use.
package storage

import (
	"context"
	"time"
)

// KV is a flat key-value store with optional per-key expiry and a
// prefix-ordered range scan. Keys are opaque strings; callers build their own
// namespacing by prefix (e.g. "sess:<id>").
type KV interface {
	// Get returns the value for key. A missing or expired key yields
	// ok == false with a nil error; errors are reserved for storage failures.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. Options may attach a TTL after which the
	// key behaves as absent.
	Set(ctx context.Context, key string, value []byte, opts ...Option) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Scan visits keys sharing prefix in ascending lexicographic order,
	// starting strictly after startAfter (pass "" to start at the prefix).
	// At most limit entries are returned when limit > 0.
	Scan(ctx context.Context, prefix, startAfter string, limit int) ([]Entry, error)

	// Close releases backend resources.
	Close() error
}

// Entry is one key-value pair produced by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Option configures a Set operation.
type Option func(*Options)

// Options holds Set configuration.
type Options struct {
	TTL time.Duration // zero means no expiry
}

// WithTTL sets a time-to-live for the stored value.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}
