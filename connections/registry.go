// Package connections tracks the live physical connections bound to logical
// sessions. The registry is the only component permitted to write to a
// connection after registration; everything else pushes through it, which
// keeps concurrent writers from interleaving frames on one wire.
package connections

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates connection shapes.
type Kind int

const (
	// KindRequest is a response channel scoped to one POST call.
	KindRequest Kind = iota
	// KindStream is a long-lived subscription (GET listen) connection.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// StreamWriter is the handle capable of pushing frames to the remote peer.
// Implementations must tolerate concurrent calls.
type StreamWriter interface {
	// WriteEvent writes one event frame. id may be empty for frames that
	// should not advance the client's resume position.
	WriteEvent(id string, data []byte) error
	// WriteKeepalive writes a no-op probe frame.
	WriteKeepalive() error
}

// ErrNoConnection indicates the session has no live connection to push to.
var ErrNoConnection = errors.New("no live connection for session")

// Conn is one registered connection. All mutable state is guarded by the
// owning registry.
type Conn struct {
	id        string
	sessionID string
	kind      Kind
	writer    StreamWriter

	mu           sync.Mutex
	lastActivity time.Time
	seq          uint64 // registration order, tie-break for ActiveFor
	closed       bool
	done         chan struct{}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Kind returns the connection kind.
func (c *Conn) Kind() Kind { return c.kind }

// Done is closed when the registry closes the connection, letting the
// serving HTTP handler unwind.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Conn) activity() (time.Time, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.seq
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatInterval sets the keepalive probe interval for stream
// connections.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) { r.heartbeat = d }
}

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// Registry owns the connections of every session in this process. It is an
// injected instance, not process-global state: tests construct as many
// independent registries as they need.
type Registry struct {
	heartbeat time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	bySession map[string]map[string]*Conn
	nextSeq   uint64
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		heartbeat: 30 * time.Second,
		log:       slog.Default(),
		bySession: make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a writer to a session and returns the new connection.
func (r *Registry) Register(sessionID string, kind Kind, w StreamWriter) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		sessionID:    sessionID,
		kind:         kind,
		writer:       w,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.nextSeq++
	c.seq = r.nextSeq
	conns, ok := r.bySession[sessionID]
	if !ok {
		conns = make(map[string]*Conn)
		r.bySession[sessionID] = conns
	}
	conns[c.id] = c
	r.mu.Unlock()

	r.log.Debug("conn.register",
		slog.String("session_id", sessionID),
		slog.String("conn_id", c.id),
		slog.String("kind", kind.String()))
	return c
}

// Unregister closes and removes a connection. Unknown IDs are a no-op.
// Removing the last connection never destroys the session: sessions persist
// independent of connection presence so the client can reconnect and resume.
func (r *Registry) Unregister(sessionID, connID string) {
	r.mu.Lock()
	conns := r.bySession[sessionID]
	c := conns[connID]
	if c != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	r.mu.Unlock()

	if c != nil {
		c.markClosed()
		r.log.Debug("conn.unregister",
			slog.String("session_id", sessionID), slog.String("conn_id", connID))
	}
}

// ActiveFor selects the session's most-recently-active open connection.
// Ties on last activity break toward the later registration.
func (r *Registry) ActiveFor(sessionID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Conn
	var bestAt time.Time
	var bestSeq uint64
	for _, c := range r.bySession[sessionID] {
		if c.isClosed() {
			continue
		}
		at, seq := c.activity()
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && seq > bestSeq) {
			best, bestAt, bestSeq = c, at, seq
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// CloseAll closes and removes every connection of a session.
func (r *Registry) CloseAll(sessionID string) {
	r.mu.Lock()
	conns := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	r.mu.Unlock()

	for _, c := range conns {
		c.markClosed()
	}
	if len(conns) > 0 {
		r.log.Debug("conn.close_all",
			slog.String("session_id", sessionID), slog.Int("count", len(conns)))
	}
}

// Push delivers one event frame to the session's active connection. A failed
// write closes and unregisters the connection.
func (r *Registry) Push(ctx context.Context, sessionID, token string, data []byte) error {
	c, ok := r.ActiveFor(sessionID)
	if !ok {
		return ErrNoConnection
	}
	return r.pushConn(ctx, c, token, data)
}

// PushTo delivers one event frame to a specific connection of the session.
func (r *Registry) PushTo(ctx context.Context, sessionID, connID, token string, data []byte) error {
	r.mu.Lock()
	c := r.bySession[sessionID][connID]
	r.mu.Unlock()
	if c == nil || c.isClosed() {
		return ErrNoConnection
	}
	return r.pushConn(ctx, c, token, data)
}

func (r *Registry) pushConn(ctx context.Context, c *Conn, token string, data []byte) error {
	if err := c.writer.WriteEvent(token, data); err != nil {
		r.log.InfoContext(ctx, "conn.push.fail",
			slog.String("session_id", c.sessionID),
			slog.String("conn_id", c.id),
			slog.String("err", err.Error()))
		r.Unregister(c.sessionID, c.id)
		return err
	}
	c.touch(time.Now())
	return nil
}

// Run probes stream connections with keepalive frames on the configured
// interval until ctx ends. A failed probe is how we learn about client
// disconnects the transport never reports synchronously.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

func (r *Registry) probe(ctx context.Context) {
	r.mu.Lock()
	var streams []*Conn
	for _, conns := range r.bySession {
		for _, c := range conns {
			if c.kind == KindStream && !c.isClosed() {
				streams = append(streams, c)
			}
		}
	}
	r.mu.Unlock()

	for _, c := range streams {
		if err := c.writer.WriteKeepalive(); err != nil {
			r.log.InfoContext(ctx, "conn.heartbeat.fail",
				slog.String("session_id", c.sessionID),
				slog.String("conn_id", c.id),
				slog.String("err", err.Error()))
			r.Unregister(c.sessionID, c.id)
		}
	}
}
