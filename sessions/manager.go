package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionwire/sessionwire-go/storage"
)

// PurgeFunc removes all events logged for a session. The manager calls it
// when a session is terminated or observed expired.
type PurgeFunc func(ctx context.Context, sessionID string) error

// CloseConnsFunc closes every live connection bound to a session. The manager
// calls it on explicit termination.
type CloseConnsFunc func(sessionID string)

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the inactivity window after which a session expires.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithSweepInterval sets the minimum spacing between opportunistic sweeps of
// the whole store. Sweeps piggyback on Validate calls; there is no dedicated
// timer.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepEvery = d }
}

// WithPurge installs the event-log purge hook.
func WithPurge(fn PurgeFunc) Option {
	return func(m *Manager) { m.purge = fn }
}

// WithCloseConns installs the connection-close hook invoked on Terminate.
func WithCloseConns(fn CloseConnsFunc) Option {
	return func(m *Manager) { m.closeConns = fn }
}

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager is the session store: it owns session records in the backing KV
// and nothing else. Safe for concurrent use; all mutations are
// last-write-wins on the KV, which resolves Touch/Terminate races in favor
// of eventual absence.
type Manager struct {
	kv         storage.KV
	window     time.Duration
	sweepEvery time.Duration
	purge      PurgeFunc
	closeConns CloseConnsFunc
	log        *slog.Logger

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewManager builds a Manager over the given KV.
func NewManager(kv storage.KV, opts ...Option) *Manager {
	m := &Manager{
		kv:         kv,
		window:     30 * time.Minute,
		sweepEvery: time.Minute,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the configured inactivity window.
func (m *Manager) Window() time.Duration { return m.window }

// Create allocates a new session and persists its record. The identifier is
// a UUIDv4: 128 bits of randomness, externally unguessable.
func (m *Manager) Create(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	rec := &Record{SessionID: uuid.NewString(), CreatedAt: now, LastActivity: now}
	if err := m.put(ctx, rec); err != nil {
		return "", err
	}
	m.log.InfoContext(ctx, "session.create", slog.String("session_id", rec.SessionID))
	return rec.SessionID, nil
}

// Validate reports whether the session exists and is within its inactivity
// window. An expired record is deleted, and its events purged, as a side
// effect. Validate also opportunistically sweeps the rest of the store at
// most once per sweep interval.
func (m *Manager) Validate(ctx context.Context, sessionID string) (bool, error) {
	m.maybeSweep(ctx)

	rec, err := m.get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if m.expired(rec, time.Now().UTC()) {
		m.reap(ctx, sessionID)
		return false, nil
	}
	return true, nil
}

// Touch bumps the session's last-activity time and message counter. It is a
// no-op for absent sessions.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	rec, err := m.get(ctx, sessionID)
	if err != nil || rec == nil {
		return err
	}
	rec.LastActivity = time.Now().UTC()
	rec.MsgCount++
	return m.put(ctx, rec)
}

// Terminate deletes the session, purges its event log, and closes its
// connections. Terminating an absent or already-terminated session succeeds:
// the observable end state (no record, no events, no connections) is the
// same either way.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	if err := m.kv.Delete(ctx, recordKey(sessionID)); err != nil {
		return err
	}
	if m.purge != nil {
		if err := m.purge(ctx, sessionID); err != nil {
			m.log.WarnContext(ctx, "session.purge.fail",
				slog.String("session_id", sessionID), slog.String("err", err.Error()))
		}
	}
	if m.closeConns != nil {
		m.closeConns(sessionID)
	}
	m.log.InfoContext(ctx, "session.terminate", slog.String("session_id", sessionID))
	return nil
}

func (m *Manager) expired(rec *Record, now time.Time) bool {
	return now.Sub(rec.LastActivity) >= m.window
}

// reap removes an expired session record, its events, and its live
// connections. An expired session's listeners would otherwise idle forever
// under a healthy heartbeat.
func (m *Manager) reap(ctx context.Context, sessionID string) {
	if err := m.kv.Delete(ctx, recordKey(sessionID)); err != nil {
		m.log.WarnContext(ctx, "session.reap.fail",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
		return
	}
	if m.purge != nil {
		_ = m.purge(ctx, sessionID)
	}
	if m.closeConns != nil {
		m.closeConns(sessionID)
	}
	m.log.InfoContext(ctx, "session.reap", slog.String("session_id", sessionID))
}

// maybeSweep scans the whole record prefix for expired sessions, rate-limited
// to once per sweep interval. Expiry is advisory cleanup: correctness comes
// from the per-lookup expiry check in Validate.
func (m *Manager) maybeSweep(ctx context.Context) {
	now := time.Now().UTC()

	m.sweepMu.Lock()
	if now.Sub(m.lastSweep) < m.sweepEvery {
		m.sweepMu.Unlock()
		return
	}
	m.lastSweep = now
	m.sweepMu.Unlock()

	entries, err := m.kv.Scan(ctx, recordKeyPrefix, "", 0)
	if err != nil {
		m.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
		return
	}
	for _, e := range entries {
		rec, err := decodeRecord(e.Value)
		if err != nil {
			// Unreadable record: drop it rather than let it linger forever.
			_ = m.kv.Delete(ctx, e.Key)
			continue
		}
		if m.expired(rec, now) {
			m.reap(ctx, rec.SessionID)
		}
	}
}

func (m *Manager) get(ctx context.Context, sessionID string) (*Record, error) {
	b, ok, err := m.kv.Get(ctx, recordKey(sessionID))
	if err != nil || !ok {
		return nil, err
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) put(ctx context.Context, rec *Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	// The KV TTL doubles the inactivity window as a backstop so that records
	// orphaned by a crashed sweep still age out of the store.
	return m.kv.Set(ctx, recordKey(rec.SessionID), b, storage.WithTTL(2*m.window))
}
