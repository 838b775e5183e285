// Package inflight tracks cancellable requests that are currently executing.
// Cancellation is cooperative: Begin derives a context the handler is
// expected to honor, and Cancel signals it. A handler that ignores the signal
// runs to completion; the caller has already been answered with a cancelled
// error by then, and the late result stays reachable via replay.
package inflight

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCancelled is the cancellation cause installed by Cancel. The
	// dispatcher maps it to the request-cancelled RPC error.
	ErrCancelled = errors.New("request cancelled")
	// ErrAlreadyRegistered indicates a live entry already exists for the
	// (session, request) pair.
	ErrAlreadyRegistered = errors.New("request already in flight")
)

type key struct {
	sessionID string
	requestID string
}

type entry struct {
	cancel      context.CancelCauseFunc
	createdAt   time.Time
	cancelled   bool
	cancelledAt time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGracePeriod sets how long a cancelled-but-unended entry survives before
// the sweep reclaims it.
func WithGracePeriod(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) { t.sweepEvery = d }
}

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// Tracker is the cancellation tracker. It is an injected per-process
// instance; every method is safe for concurrent use.
type Tracker struct {
	grace      time.Duration
	sweepEvery time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	entries map[key]*entry
}

// NewTracker builds an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		grace:      time.Minute,
		sweepEvery: 15 * time.Second,
		log:        slog.Default(),
		entries:    make(map[key]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin registers a request and returns the context its handler must run
// under. At most one live entry may exist per (session, request); a second
// Begin for the same pair fails with ErrAlreadyRegistered.
func (t *Tracker) Begin(ctx context.Context, sessionID, requestID string) (context.Context, error) {
	k := key{sessionID: sessionID, requestID: requestID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[k]; exists {
		return nil, ErrAlreadyRegistered
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	t.entries[k] = &entry{cancel: cancel, createdAt: time.Now()}
	return reqCtx, nil
}

// Cancel signals the request's context. It returns true exactly once per
// entry: the first call signals, repeats and unknown pairs return false.
func (t *Tracker) Cancel(sessionID, requestID string) bool {
	k := key{sessionID: sessionID, requestID: requestID}

	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || e.cancelled {
		t.mu.Unlock()
		return false
	}
	e.cancelled = true
	e.cancelledAt = time.Now()
	cancel := e.cancel
	t.mu.Unlock()

	cancel(ErrCancelled)
	return true
}

// IsCancelled reports whether the entry exists and has been cancelled.
func (t *Tracker) IsCancelled(sessionID, requestID string) bool {
	k := key{sessionID: sessionID, requestID: requestID}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	return ok && e.cancelled
}

// End removes the entry and releases its context resources. It must be
// called on every completion path, success or failure. Ending an unknown
// pair is a no-op.
func (t *Tracker) End(sessionID, requestID string) {
	k := key{sessionID: sessionID, requestID: requestID}

	t.mu.Lock()
	e, ok := t.entries[k]
	delete(t.entries, k)
	t.mu.Unlock()

	if ok {
		e.cancel(context.Canceled)
	}
}

// Len reports the number of live entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run sweeps cancelled entries older than the grace period until ctx ends.
// The sweep bounds memory when a client cancels many short requests whose
// handlers never observe the signal promptly.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	var reaped int
	for k, e := range t.entries {
		if e.cancelled && now.Sub(e.cancelledAt) >= t.grace {
			delete(t.entries, k)
			reaped++
		}
	}
	t.mu.Unlock()

	if reaped > 0 {
		t.log.Debug("inflight.sweep", slog.Int("reaped", reaped))
	}
}
