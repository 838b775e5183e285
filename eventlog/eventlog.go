// Package eventlog defines the per-session append-only message log that
// makes reconnect replay possible. Every appended payload receives an opaque
// sequence token; tokens within a session are strictly increasing in append
// order, and a reader holding a token can ask for everything after it.
package eventlog

import "context"

// HandlerFunc receives one replayed or delivered event.
type HandlerFunc func(token string, payload []byte) error

// Log is the event log contract. Implementations must be safe for concurrent
// appends within a session; the token order is the append order, regardless
// of which request produced which event.
type Log interface {
	// Append stores payload and returns its sequence token.
	Append(ctx context.Context, sessionID string, payload []byte) (token string, err error)

	// Since calls fn for every event appended strictly after token, in
	// ascending token order, and returns once the backlog is drained. An
	// empty, malformed, or stale token degrades to an empty replay rather
	// than an error. Iteration stops early if fn returns an error, which is
	// then returned.
	Since(ctx context.Context, sessionID, token string, fn HandlerFunc) error

	// Purge drops the session's entire log. Purging an absent log is a no-op.
	Purge(ctx context.Context, sessionID string) error
}
