package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionwire/sessionwire-go/storage/memory"
)

type hookRecorder struct {
	mu     sync.Mutex
	purged []string
	closed []string
}

func (h *hookRecorder) purge(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purged = append(h.purged, sessionID)
	return nil
}

func (h *hookRecorder) closeConns(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, sessionID)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *hookRecorder) {
	t.Helper()
	kv, err := memory.New(64)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	hooks := &hookRecorder{}
	base := []Option{
		WithWindow(time.Hour),
		WithPurge(hooks.purge),
		WithCloseConns(hooks.closeConns),
	}
	return NewManager(kv, append(base, opts...)...), hooks
}

func TestCreateValidateTouch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ok, err := m.Validate(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Validate(ctx, "no-such-session")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Touch(ctx, id))
	// Touching an absent session is a no-op.
	require.NoError(t, m.Touch(ctx, "no-such-session"))
}

func TestExpiryDeletesSessionAndEvents(t *testing.T) {
	m, hooks := newTestManager(t, WithWindow(20*time.Millisecond))
	ctx := context.Background()

	id, err := m.Create(ctx)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	ok, err := m.Validate(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "expired session must not validate")
	assert.Contains(t, hooks.purged, id, "expiry must purge the event log")
	assert.Contains(t, hooks.closed, id, "expiry must close live connections")

	// Once reaped, the session stays gone.
	ok, err = m.Validate(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminateIsIdempotent(t *testing.T) {
	m, hooks := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Terminate(ctx, id))
	ok, err := m.Validate(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, hooks.purged, id)
	assert.Contains(t, hooks.closed, id)

	// Second termination observes the same end state and still succeeds.
	require.NoError(t, m.Terminate(ctx, id))
	ok, err = m.Validate(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepReapsExpiredSessions(t *testing.T) {
	m, hooks := newTestManager(t,
		WithWindow(20*time.Millisecond),
		WithSweepInterval(time.Nanosecond),
	)
	ctx := context.Background()

	stale, err := m.Create(ctx)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	// Validating a different (fresh) session piggybacks the sweep.
	fresh, err := m.Create(ctx)
	require.NoError(t, err)
	ok, err := m.Validate(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, hooks.purged, stale, "sweep must reap the stale session")
	assert.Contains(t, hooks.closed, stale, "sweep must close the stale session's connections")
	ok, err = m.Validate(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &Record{SessionID: "abc", CreatedAt: now, LastActivity: now, MsgCount: 7}

	b, err := encodeRecord(rec)
	require.NoError(t, err)
	got, err := decodeRecord(b)
	require.NoError(t, err)

	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.MsgCount, got.MsgCount)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt), "CreatedAt: want %v got %v", rec.CreatedAt, got.CreatedAt)
	assert.True(t, rec.LastActivity.Equal(got.LastActivity))
}
