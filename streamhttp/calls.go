package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sessionwire/sessionwire-go/internal/jsonrpc"
)

// Server-initiated messaging. Outbound notifications and requests are
// appended to the session's event log before any push, so a client that
// misses the live delivery recovers them on its next listen with a resume
// token. Responses to server-initiated requests arrive as ordinary inbound
// POST payloads and rendezvous with the pending call by ID.

// ErrNoPendingCall indicates an inbound response matched no pending
// server-initiated request. The transport drops such responses silently at
// the HTTP layer; this error exists for internal routing only.
var errNoPendingCall = errors.New("no pending call for response")

type pendingCall struct {
	sessionID string
	respCh    chan *jsonrpc.Response
}

type callTable struct {
	mu      sync.Mutex
	pending map[string]*pendingCall // request ID -> call
	nextID  atomic.Uint64
}

func newCallTable() *callTable {
	return &callTable{pending: make(map[string]*pendingCall)}
}

func (t *callTable) allocate(sessionID string) (string, *pendingCall) {
	id := "srv-" + strconv.FormatUint(t.nextID.Add(1), 10)
	call := &pendingCall{sessionID: sessionID, respCh: make(chan *jsonrpc.Response, 1)}
	t.mu.Lock()
	t.pending[id] = call
	t.mu.Unlock()
	return id, call
}

func (t *callTable) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// resolve hands res to the pending call it answers. The response is dropped
// when no such call exists (expired, cancelled, or never ours).
func (t *callTable) resolve(sessionID string, res *jsonrpc.Response) error {
	id := res.ID.String()
	t.mu.Lock()
	call, ok := t.pending[id]
	if ok && call.sessionID == sessionID {
		delete(t.pending, id)
	} else {
		call = nil
	}
	t.mu.Unlock()

	if call == nil {
		return errNoPendingCall
	}
	call.respCh <- res
	return nil
}

// Notify appends a server-originated notification to the session's event log
// and pushes it to the session's active connection. A session with no live
// connection still gets the notification on its next replay; that case is
// not an error.
func (h *Handler) Notify(ctx context.Context, sessionID, method string, params any) error {
	msg, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return h.publish(ctx, sessionID, msg)
}

// Call sends a server-initiated request to the session's client and blocks
// until the client answers, ctx ends, or the session has no way to receive
// the request.
func (h *Handler) Call(ctx context.Context, sessionID, method string, params any) (*jsonrpc.Response, error) {
	id, call := h.calls.allocate(sessionID)
	defer h.calls.remove(id)

	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		ID:             jsonrpc.NewRequestID(id),
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = b
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// The pending entry is registered before the push so a fast client
	// cannot answer before we are ready to receive.
	if err := h.publish(ctx, sessionID, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-call.respCh:
		return res, nil
	}
}

// publish appends msg to the event log, then best-effort pushes it to the
// session's active connection.
func (h *Handler) publish(ctx context.Context, sessionID string, msg []byte) error {
	token, err := h.events.Append(ctx, sessionID, msg)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := h.conns.Push(ctx, sessionID, token, msg); err != nil {
		h.log.DebugContext(ctx, "push.deferred",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	return nil
}

func marshalNotification(method string, params any) ([]byte, error) {
	n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		n.Params = b
	}
	return json.Marshal(n)
}
