package streamhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and refuses to
// write after ctx is canceled, so the registry's heartbeat and a replay loop
// can share one response body safely.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation.
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// sseWriter renders event frames in text/event-stream framing over a locked
// write flusher. It satisfies connections.StreamWriter.
//
// Wire format, bit-exact: an event is "id: <token>\ndata: <json>\n\n"; a
// keepalive is the comment frame ": keepalive\n\n". Events without a token
// omit the id line and do not advance the client's resume position.
type sseWriter struct {
	wf *lockedWriteFlusher
}

func newSSEWriter(wf *lockedWriteFlusher) *sseWriter {
	return &sseWriter{wf: wf}
}

func (w *sseWriter) WriteEvent(id string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w.wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := w.wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := w.wf.Write(data); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := w.wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	w.wf.Flush()
	return nil
}

func (w *sseWriter) WriteKeepalive() error {
	if _, err := w.wf.Write([]byte(": keepalive\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE keepalive: %w", err)
	}
	w.wf.Flush()
	return nil
}

// writeSSEHeaders commits the response to event-stream mode.
func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
