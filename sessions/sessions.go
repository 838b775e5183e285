package sessions

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound indicates the session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

const recordKeyPrefix = "sess:"

// Record is the durable per-session state. It is deliberately small: the
// event log, connections, and in-flight entries all live elsewhere and are
// reachable only by session ID.
type Record struct {
	SessionID    string    `msgpack:"sid"`
	CreatedAt    time.Time `msgpack:"cat"`
	LastActivity time.Time `msgpack:"act"`
	MsgCount     uint64    `msgpack:"cnt"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func decodeRecord(b []byte) (*Record, error) {
	var rec Record
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func recordKey(sessionID string) string { return recordKeyPrefix + sessionID }
