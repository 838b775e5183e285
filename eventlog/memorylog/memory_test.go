package memorylog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, l *Log, sessionID, token string) (tokens []string, payloads []string) {
	t.Helper()
	err := l.Since(context.Background(), sessionID, token, func(tok string, payload []byte) error {
		tokens = append(tokens, tok)
		payloads = append(payloads, string(payload))
		return nil
	})
	require.NoError(t, err)
	return tokens, payloads
}

func TestAppendAndReplay(t *testing.T) {
	l := New()
	ctx := context.Background()

	var tokens []string
	for i := 1; i <= 5; i++ {
		tok, err := l.Append(ctx, "s1", []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	// Tokens are strictly increasing in append order.
	for i := 1; i < len(tokens); i++ {
		prev, _ := strconv.ParseUint(tokens[i-1], 10, 64)
		cur, _ := strconv.ParseUint(tokens[i], 10, 64)
		assert.Greater(t, cur, prev)
	}

	// Replay after token 3 yields exactly events 4 and 5, in order.
	got, payloads := collect(t, l, "s1", tokens[2])
	assert.Equal(t, tokens[3:], got)
	assert.Equal(t, []string{"m4", "m5"}, payloads)

	// Replay from "0" yields everything.
	got, _ = collect(t, l, "s1", "0")
	assert.Equal(t, tokens, got)

	// Replay from the newest token yields nothing.
	got, _ = collect(t, l, "s1", tokens[4])
	assert.Empty(t, got)
}

func TestSinceDegradesToEmpty(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, err := l.Append(ctx, "s1", []byte("m1"))
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-token", "12-34"} {
		got, _ := collect(t, l, "s1", token)
		assert.Empty(t, got, "token %q", token)
	}

	// Unknown session behaves the same way.
	got, _ := collect(t, l, "nope", "0")
	assert.Empty(t, got)
}

func TestPurge(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, err := l.Append(ctx, "s1", []byte("m1"))
	require.NoError(t, err)

	require.NoError(t, l.Purge(ctx, "s1"))
	got, _ := collect(t, l, "s1", "0")
	assert.Empty(t, got)

	// Purging an absent log is a no-op.
	require.NoError(t, l.Purge(ctx, "s1"))
}

func TestConcurrentAppendsEachDeliveredOnce(t *testing.T) {
	l := New()
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "s1", []byte(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tokens, payloads := collect(t, l, "s1", "0")
	require.Len(t, tokens, n)

	seen := make(map[string]bool, n)
	var last uint64
	for i, tok := range tokens {
		cur, err := strconv.ParseUint(tok, 10, 64)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, cur, last)
		}
		last = cur
		assert.False(t, seen[payloads[i]], "duplicate delivery of %s", payloads[i])
		seen[payloads[i]] = true
	}
}
