package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionwire/sessionwire-go/storage"
)

func TestSetGetDelete(t *testing.T) {
	kv, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	require.NoError(t, kv.Delete(ctx, "k"))
}

func TestTTLExpiry(t *testing.T) {
	kv, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), storage.WithTTL(10*time.Millisecond)))
	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScan(t *testing.T) {
	kv, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "sess:b", []byte("2")))
	require.NoError(t, kv.Set(ctx, "sess:a", []byte("1")))
	require.NoError(t, kv.Set(ctx, "sess:c", []byte("3")))
	require.NoError(t, kv.Set(ctx, "other:x", []byte("9")))

	entries, err := kv.Scan(ctx, "sess:", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "sess:a", entries[0].Key)
	assert.Equal(t, "sess:b", entries[1].Key)
	assert.Equal(t, "sess:c", entries[2].Key)

	entries, err = kv.Scan(ctx, "sess:", "sess:a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sess:b", entries[0].Key)

	entries, err = kv.Scan(ctx, "sess:", "", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestValueIsolation(t *testing.T) {
	kv, err := New(16)
	require.NoError(t, err)
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, kv.Set(ctx, "k", buf))
	buf[0] = 'X'

	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), v)
}
