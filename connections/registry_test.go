package connections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu         sync.Mutex
	events     []string
	keepalives int
	failWrites bool
}

func (w *recordingWriter) WriteEvent(id string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWrites {
		return errors.New("broken pipe")
	}
	w.events = append(w.events, id+"|"+string(data))
	return nil
}

func (w *recordingWriter) WriteKeepalive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWrites {
		return errors.New("broken pipe")
	}
	w.keepalives++
	return nil
}

func (w *recordingWriter) snapshot() ([]string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...), w.keepalives
}

func TestPushReachesActiveConnection(t *testing.T) {
	r := NewRegistry()
	w := &recordingWriter{}

	conn := r.Register("s1", KindStream, w)
	require.NotEmpty(t, conn.ID())

	require.NoError(t, r.Push(context.Background(), "s1", "5", []byte(`{"a":1}`)))
	events, _ := w.snapshot()
	assert.Equal(t, []string{`5|{"a":1}`}, events)
}

func TestPushWithoutConnection(t *testing.T) {
	r := NewRegistry()
	err := r.Push(context.Background(), "s1", "1", []byte("x"))
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestActiveForPrefersRecentActivityThenRegistration(t *testing.T) {
	r := NewRegistry()
	w1 := &recordingWriter{}
	w2 := &recordingWriter{}

	c1 := r.Register("s1", KindStream, w1)
	c2 := r.Register("s1", KindRequest, w2)

	// Identical activity: the later registration wins.
	now := time.Now()
	c1.touch(now)
	c2.touch(now)
	active, ok := r.ActiveFor("s1")
	require.True(t, ok)
	assert.Equal(t, c2.ID(), active.ID())

	// Fresher activity beats registration order.
	c1.touch(now.Add(time.Second))
	active, ok = r.ActiveFor("s1")
	require.True(t, ok)
	assert.Equal(t, c1.ID(), active.ID())
}

func TestFailedPushEvictsConnection(t *testing.T) {
	r := NewRegistry()
	w := &recordingWriter{failWrites: true}
	conn := r.Register("s1", KindStream, w)

	err := r.Push(context.Background(), "s1", "1", []byte("x"))
	require.Error(t, err)

	select {
	case <-conn.Done():
	default:
		t.Fatalf("failed push must close the connection")
	}
	_, ok := r.ActiveFor("s1")
	assert.False(t, ok)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	c1 := r.Register("s1", KindStream, &recordingWriter{})
	c2 := r.Register("s1", KindRequest, &recordingWriter{})
	other := r.Register("s2", KindStream, &recordingWriter{})

	r.CloseAll("s1")

	for _, c := range []*Conn{c1, c2} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("CloseAll must close every connection of the session")
		}
	}
	_, ok := r.ActiveFor("s1")
	assert.False(t, ok)

	// Other sessions are untouched.
	select {
	case <-other.Done():
		t.Fatalf("CloseAll must not leak into other sessions")
	default:
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := r.Register("s1", KindRequest, &recordingWriter{})
	r.Unregister("s1", c.ID())
	r.Unregister("s1", c.ID())
	r.Unregister("s1", "unknown")
}

func TestProbeHeartbeatsStreamsAndEvictsDead(t *testing.T) {
	r := NewRegistry()
	healthy := &recordingWriter{}
	dead := &recordingWriter{failWrites: true}
	reqScoped := &recordingWriter{}

	r.Register("s1", KindStream, healthy)
	deadConn := r.Register("s2", KindStream, dead)
	r.Register("s3", KindRequest, reqScoped)

	r.probe(context.Background())

	_, keepalives := healthy.snapshot()
	assert.Equal(t, 1, keepalives)

	// Request-scoped connections are not heartbeat-probed.
	_, keepalives = reqScoped.snapshot()
	assert.Zero(t, keepalives)

	select {
	case <-deadConn.Done():
	default:
		t.Fatalf("failed heartbeat must evict the connection")
	}
	_, ok := r.ActiveFor("s2")
	assert.False(t, ok)
}
