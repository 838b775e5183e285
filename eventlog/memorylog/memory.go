// Package memorylog is the in-process eventlog.Log. Tokens are decimal
// renderings of a per-session counter, so "0" sorts before the first real
// token and a full replay is a Since from "0".
package memorylog

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/sessionwire/sessionwire-go/eventlog"
)

type event struct {
	seq     uint64
	payload []byte
}

type sessionLog struct {
	mu     sync.Mutex
	next   uint64
	events []event
}

// Log implements eventlog.Log in memory.
type Log struct {
	mu   sync.Mutex
	logs map[string]*sessionLog
}

var _ eventlog.Log = (*Log)(nil)

// New creates an empty in-memory log.
func New() *Log {
	return &Log{logs: make(map[string]*sessionLog)}
}

func (l *Log) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	sl := l.session(sessionID)

	sl.mu.Lock()
	sl.next++
	seq := sl.next
	sl.events = append(sl.events, event{seq: seq, payload: append([]byte(nil), payload...)})
	sl.mu.Unlock()

	return strconv.FormatUint(seq, 10), nil
}

func (l *Log) Since(ctx context.Context, sessionID, token string, fn eventlog.HandlerFunc) error {
	l.mu.Lock()
	sl, ok := l.logs[sessionID]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	after, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		// Malformed or stale tokens degrade to "no replay".
		return nil
	}

	sl.mu.Lock()
	idx := sort.Search(len(sl.events), func(i int) bool { return sl.events[i].seq > after })
	replay := make([]event, len(sl.events)-idx)
	copy(replay, sl.events[idx:])
	sl.mu.Unlock()

	for _, e := range replay {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(strconv.FormatUint(e.seq, 10), e.payload); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Purge(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	delete(l.logs, sessionID)
	l.mu.Unlock()
	return nil
}

func (l *Log) session(sessionID string) *sessionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.logs[sessionID]
	if !ok {
		sl = &sessionLog{}
		l.logs[sessionID] = sl
	}
	return sl
}
