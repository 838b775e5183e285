package inflight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginCancelEnd(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	reqCtx, err := tr.Begin(ctx, "s1", "7")
	require.NoError(t, err)
	require.NoError(t, reqCtx.Err())
	assert.False(t, tr.IsCancelled("s1", "7"))

	assert.True(t, tr.Cancel("s1", "7"), "first cancel must signal")
	assert.True(t, tr.IsCancelled("s1", "7"))

	<-reqCtx.Done()
	assert.ErrorIs(t, context.Cause(reqCtx), ErrCancelled)

	// At-most-once: the second cancel finds nothing live to signal.
	assert.False(t, tr.Cancel("s1", "7"))

	tr.End("s1", "7")
	assert.False(t, tr.IsCancelled("s1", "7"))
	assert.Zero(t, tr.Len())
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.Cancel("s1", "nope"))
	assert.False(t, tr.IsCancelled("s1", "nope"))
	tr.End("s1", "nope") // ending an unknown pair must not panic
}

func TestDuplicateBeginRejected(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	_, err := tr.Begin(ctx, "s1", "7")
	require.NoError(t, err)
	_, err = tr.Begin(ctx, "s1", "7")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// The same request ID under another session is a distinct entry.
	_, err = tr.Begin(ctx, "s2", "7")
	assert.NoError(t, err)

	// After End the pair is reusable.
	tr.End("s1", "7")
	_, err = tr.Begin(ctx, "s1", "7")
	assert.NoError(t, err)
}

func TestEndReleasesContext(t *testing.T) {
	tr := NewTracker()
	reqCtx, err := tr.Begin(context.Background(), "s1", "1")
	require.NoError(t, err)

	tr.End("s1", "1")
	<-reqCtx.Done()
	assert.NotErrorIs(t, context.Cause(reqCtx), ErrCancelled)
}

func TestSweepReapsCancelledEntries(t *testing.T) {
	tr := NewTracker(WithGracePeriod(10 * time.Millisecond))
	ctx := context.Background()

	_, err := tr.Begin(ctx, "s1", "a")
	require.NoError(t, err)
	_, err = tr.Begin(ctx, "s1", "b")
	require.NoError(t, err)

	require.True(t, tr.Cancel("s1", "a"))

	// Before the grace period the cancelled entry survives.
	tr.sweep(time.Now())
	assert.Equal(t, 2, tr.Len())

	tr.sweep(time.Now().Add(50 * time.Millisecond))
	assert.Equal(t, 1, tr.Len(), "only the cancelled entry is reaped")
	assert.False(t, tr.IsCancelled("s1", "a"))
}
