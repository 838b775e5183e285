package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sessionwire/sessionwire-go/connections"
	"github.com/sessionwire/sessionwire-go/eventlog"
	"github.com/sessionwire/sessionwire-go/inflight"
	"github.com/sessionwire/sessionwire-go/internal/jsonrpc"
	"github.com/sessionwire/sessionwire-go/internal/logctx"
	"github.com/sessionwire/sessionwire-go/router"
	"github.com/sessionwire/sessionwire-go/sessions"
	"github.com/sessionwire/sessionwire-go/storage"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	sessionIDHeader   = "Session-Id"
	lastEventIDHeader = "Last-Event-ID"

	// initializeMethod is the only method allowed to arrive without a
	// session header; it creates the session it runs in.
	initializeMethod = "initialize"
	// cancelledMethod is consumed by the transport itself and never routed.
	cancelledMethod = "notifications/cancelled"
)

// cancelledParams is the payload of a notifications/cancelled message.
type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// ServerInfo describes this server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the default reply to an initialize request when the
// embedder registers no handler for it.
type initializeResult struct {
	Server ServerInfo `json:"server"`
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections made
// before any JSON-RPC exchange is possible. This is transport-level, not
// JSON-RPC framing. Shape: {"error":{"code":<httpStatus>,"message":"..."}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	serverInfo        ServerInfo
	sessionWindow     time.Duration
	sweepInterval     time.Duration
	heartbeatInterval time.Duration
	cancelGrace       time.Duration
	frameByteLimit    int
	frameItemLimit    int
}

// WithLogger sets the slog logger used by the handler. If not provided, the
// process default logger is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithServerInfo sets the server name/version surfaced in initialize results.
func WithServerInfo(info ServerInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithSessionWindow sets the inactivity window after which sessions expire.
// The window is deployment policy, not protocol: pick what your clients'
// reconnect behavior needs.
func WithSessionWindow(d time.Duration) Option {
	return func(c *newConfig) { c.sessionWindow = d }
}

// WithHeartbeatInterval sets how often idle stream connections are probed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeatInterval = d }
}

// WithCancelGrace sets how long cancelled-but-unended in-flight entries
// survive before the sweep reclaims them.
func WithCancelGrace(d time.Duration) Option {
	return func(c *newConfig) { c.cancelGrace = d }
}

// WithBatchLimits sets the frame coalescing ceilings: maxBytes of serialized
// payload and maxItems messages per SSE frame.
func WithBatchLimits(maxBytes, maxItems int) Option {
	return func(c *newConfig) {
		c.frameByteLimit = maxBytes
		c.frameItemLimit = maxItems
	}
}

// Handler is the transport dispatcher: it owns the HTTP surface and routes
// inbound messages to the collaborating stores and the embedder's method
// registry.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	sessions *sessions.Manager
	events   eventlog.Log
	conns    *connections.Registry
	inflight *inflight.Tracker
	routes   router.Registry
	calls    *callTable

	serverInfo     ServerInfo
	frameByteLimit int
	frameItemLimit int
}

// New constructs a Handler serving the transport at the path of endpoint
// (a path like "/rpc" or a full URL whose path is used).
//
// The key-value store backs session records; the event log and method
// registry are injected so embedders and tests can choose backends freely.
// Background maintenance (heartbeat probing, cancellation sweep) runs until
// ctx ends.
func New(ctx context.Context, endpoint string, kv storage.KV, log eventlog.Log, routes router.Registry, opts ...Option) (*Handler, error) {
	if kv == nil {
		return nil, fmt.Errorf("storage KV is required")
	}
	if log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if routes == nil {
		return nil, fmt.Errorf("method registry is required")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	cfg := &newConfig{
		logger:            slog.Default(),
		serverInfo:        ServerInfo{Name: "sessionwire", Version: "dev"},
		sessionWindow:     30 * time.Minute,
		sweepInterval:     time.Minute,
		heartbeatInterval: 30 * time.Second,
		cancelGrace:       time.Minute,
		frameByteLimit:    defaultFrameByteLimit,
		frameItemLimit:    defaultFrameItemLimit,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:            logger,
		events:         log,
		routes:         routes,
		calls:          newCallTable(),
		serverInfo:     cfg.serverInfo,
		frameByteLimit: cfg.frameByteLimit,
		frameItemLimit: cfg.frameItemLimit,
	}

	h.conns = connections.NewRegistry(
		connections.WithHeartbeatInterval(cfg.heartbeatInterval),
		connections.WithLogger(logger),
	)
	h.inflight = inflight.NewTracker(
		inflight.WithGracePeriod(cfg.cancelGrace),
		inflight.WithLogger(logger),
	)
	h.sessions = sessions.NewManager(kv,
		sessions.WithWindow(cfg.sessionWindow),
		sessions.WithSweepInterval(cfg.sweepInterval),
		sessions.WithPurge(log.Purge),
		sessions.WithCloseConns(h.conns.CloseAll),
		sessions.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.conns.Run(gctx) })
	g.Go(func() error { return h.inflight.Run(gctx) })
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("maintenance.run.fail", slog.String("err", err.Error()))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDelete)
	h.mux = mux

	return h, nil
}

// Sessions exposes the session store, mainly so embedders can terminate
// sessions out of band.
func (h *Handler) Sessions() *sessions.Manager { return h.sessions }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// deliveryMode picks the transmission mode for a POST call from its Accept
// header: clients that accept text/event-stream get streamed results;
// clients that accept application/json get a synchronous body. An absent
// Accept header, or one that is all wildcards (curl's default */*),
// expresses no preference and defaults to synchronous JSON.
func deliveryMode(r *http.Request) (streaming bool, err error) {
	if accept := r.Header.Get("Accept"); accept == "" || wildcardOnly(accept) {
		return false, nil
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err == nil {
		return true, nil
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err == nil {
		return false, nil
	}
	return false, fmt.Errorf("accept header names no supported content type")
}

// wildcardOnly reports whether every media range in the Accept header is */*.
func wildcardOnly(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mr := strings.TrimSpace(part)
		if i := strings.IndexByte(mr, ';'); i >= 0 {
			mr = strings.TrimSpace(mr[:i])
		}
		if mr != "*/*" {
			return false
		}
	}
	return true
}

// handlePost accepts one inbound call: a single JSON-RPC message or a batch
// array of them.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	streaming, err := deliveryMode(r)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	msgs, batched, err := jsonrpc.DecodeInbound(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC payload: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, msgs, batched, start)
		return
	}

	ok, err := h.sessions.Validate(ctx, sessID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	if err := h.sessions.Touch(ctx, sessID); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	var requests []*jsonrpc.Request
	for _, msg := range msgs {
		switch msg.Type() {
		case "request":
			requests = append(requests, msg.AsRequest())
		case "notification":
			h.consumeNotification(ctx, sessID, msg.AsRequest())
		default:
			h.consumeResponse(ctx, sessID, msg.AsResponse())
		}
	}

	if len(requests) == 0 {
		// Pure notifications/responses: accepted, processed asynchronously,
		// no body.
		w.Header().Set(sessionIDHeader, sessID)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	responses := h.executeAll(ctx, sessID, requests)

	if streaming {
		h.respondStreaming(ctx, w, r, sessID, responses)
	} else {
		h.respondJSON(ctx, w, sessID, responses, batched || len(requests) > 1)
	}
	h.log.InfoContext(ctx, "http.post.ok",
		slog.Int("requests", len(requests)), slog.Duration("dur", time.Since(start)))
}

// handleInitialize serves the one call shape allowed without a session
// header: a single initialize request, which creates the session.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, msgs []*jsonrpc.AnyMessage, batched bool, start time.Time) {
	if batched || len(msgs) != 1 || msgs[0].Type() != "request" || msgs[0].Method != initializeMethod {
		writeJSONError(w, http.StatusBadRequest, "session required")
		h.log.InfoContext(ctx, "session.required")
		return
	}
	req := msgs[0].AsRequest()

	sessID, err := h.sessions.Create(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	var resp *jsonrpc.Response
	if fn, ok := h.routes.Lookup(initializeMethod); ok {
		resp = h.invoke(ctx, sessID, req, fn)
	} else {
		resp, err = jsonrpc.NewResultResponse(req.ID, initializeResult{Server: h.serverInfo})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize result")
			h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
			return
		}
	}

	w.Header().Set(sessionIDHeader, sessID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// consumeNotification processes one inbound notification asynchronously.
// notifications/cancelled is the transport's own; everything else goes to
// the registry. Notifications never produce replies, so failures are logged
// and dropped.
func (h *Handler) consumeNotification(ctx context.Context, sessID string, n *jsonrpc.Request) {
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: n.Method, Type: "notification"})

	if n.Method == cancelledMethod {
		var params cancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil || len(params.RequestID) == 0 {
			h.log.WarnContext(ctx, "cancel.params.invalid")
			return
		}
		var rid jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &rid); err != nil {
			h.log.WarnContext(ctx, "cancel.params.invalid")
			return
		}
		// Completion and cancellation race by design: an unknown or
		// already-finished request is a silent no-op.
		if h.inflight.Cancel(sessID, rid.String()) {
			h.log.InfoContext(ctx, "cancel.signalled", slog.String("request_id", rid.String()))
		} else {
			h.log.DebugContext(ctx, "cancel.miss", slog.String("request_id", rid.String()))
		}
		return
	}

	fn, ok := h.routes.Lookup(n.Method)
	if !ok {
		h.log.DebugContext(ctx, "notification.unroutable")
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := h.safeInvoke(bg, sessID, n.Params, fn); err != nil {
			h.log.ErrorContext(bg, "notification.handler.fail", slog.String("err", err.Error()))
		}
	}()
}

// consumeResponse routes an inbound response to its pending server-initiated
// call. Unmatched responses are dropped: the peer may legitimately answer a
// request whose call already timed out.
func (h *Handler) consumeResponse(ctx context.Context, sessID string, res *jsonrpc.Response) {
	if err := h.calls.resolve(sessID, res); err != nil {
		h.log.DebugContext(ctx, "response.unmatched", slog.String("rpc_id", res.ID.String()))
	}
}

// executeAll runs every request concurrently and returns responses in
// completion order. The transport guarantees batch isolation: a failing or
// cancelled request never affects its siblings.
func (h *Handler) executeAll(ctx context.Context, sessID string, requests []*jsonrpc.Request) []*jsonrpc.Response {
	results := make(chan *jsonrpc.Response, len(requests))
	for _, req := range requests {
		go func(req *jsonrpc.Request) {
			results <- h.executeRequest(ctx, sessID, req)
		}(req)
	}

	responses := make([]*jsonrpc.Response, 0, len(requests))
	for range requests {
		responses = append(responses, <-results)
	}
	return responses
}

// executeRequest runs one request to a terminal response: result, RPC error,
// method-not-found, or request-cancelled. Every path produces a response so
// the result stream keeps its uniform shape.
func (h *Handler) executeRequest(ctx context.Context, sessID string, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String(), Type: "request"})

	if req.Method == initializeMethod {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}

	fn, ok := h.routes.Lookup(req.Method)
	if !ok {
		h.log.InfoContext(ctx, "rpc.method.miss")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	reqCtx, err := h.inflight.Begin(ctx, sessID, req.ID.String())
	if err != nil {
		h.log.WarnContext(ctx, "rpc.begin.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil)
	}
	defer h.inflight.End(sessID, req.ID.String())

	done := make(chan outcome, 1)
	go func() {
		result, err := h.safeInvoke(reqCtx, sessID, req.Params, fn)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, inflight.ErrCancelled) || context.Cause(reqCtx) == inflight.ErrCancelled {
				h.log.InfoContext(ctx, "rpc.cancelled")
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
			}
			// Full detail stays server-side; the client gets a generic error.
			h.log.ErrorContext(ctx, "rpc.handler.fail", slog.String("err", out.err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, out.result)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		return resp

	case <-reqCtx.Done():
		if context.Cause(reqCtx) == inflight.ErrCancelled {
			// Cancellation won the race. The handler may still be running;
			// if it ignores the signal and finishes, its late result goes to
			// the event log where replay can surface it.
			h.drainLateResult(ctx, sessID, req, done)
			h.log.InfoContext(ctx, "rpc.cancelled")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
		}
		h.log.InfoContext(ctx, "rpc.aborted", slog.String("err", reqCtx.Err().Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request aborted", nil)
	}
}

// outcome is the terminal product of one handler invocation.
type outcome struct {
	result any
	err    error
}

// drainLateResult waits out a handler that outlived its cancellation and
// appends any successful late result to the event log.
func (h *Handler) drainLateResult(ctx context.Context, sessID string, req *jsonrpc.Request, done <-chan outcome) {
	bg := context.WithoutCancel(ctx)
	go func() {
		out := <-done
		if out.err != nil {
			return
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, out.result)
		if err != nil {
			return
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := h.events.Append(bg, sessID, b); err != nil {
			h.log.WarnContext(bg, "rpc.late_result.append.fail", slog.String("err", err.Error()))
		}
	}()
}

// safeInvoke shields the dispatcher from handler panics so one failing
// request cannot take down its batch siblings or the serving connection.
func (h *Handler) safeInvoke(ctx context.Context, sessID string, params json.RawMessage, fn router.Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, sessID, params)
}

// invoke runs fn synchronously and shapes the outcome as a response. Used
// for initialize, which runs before any cancellation entry exists.
func (h *Handler) invoke(ctx context.Context, sessID string, req *jsonrpc.Request, fn router.Handler) *jsonrpc.Response {
	result, err := h.safeInvoke(ctx, sessID, req.Params, fn)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.handler.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return resp
}

// respondJSON returns all results as a synchronous body: one object for a
// lone request, an array otherwise.
func (h *Handler) respondJSON(ctx context.Context, w http.ResponseWriter, sessID string, responses []*jsonrpc.Response, asArray bool) {
	w.Header().Set(sessionIDHeader, sessID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)

	var err error
	if !asArray && len(responses) == 1 {
		err = json.NewEncoder(w).Encode(responses[0])
	} else {
		err = json.NewEncoder(w).Encode(responses)
	}
	if err != nil {
		h.log.ErrorContext(ctx, "response.write.fail", slog.String("err", err.Error()))
	}
}

// respondStreaming delivers results over a request-scoped SSE channel. Each
// result is appended to the event log before transmission so a dropped push
// is recoverable by replay, then results are coalesced into frames and
// pushed through the connection registry.
func (h *Handler) respondStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, responses []*jsonrpc.Response) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	w.Header().Set(sessionIDHeader, sessID)
	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	wf.Flush()

	conn := h.conns.Register(sessID, connections.KindRequest, newSSEWriter(wf))
	defer h.conns.Unregister(sessID, conn.ID())

	msgs := make([]outMessage, 0, len(responses))
	for _, resp := range responses {
		b, err := json.Marshal(resp)
		if err != nil {
			h.log.ErrorContext(ctx, "response.marshal.fail", slog.String("err", err.Error()))
			continue
		}
		token, err := h.events.Append(ctx, sessID, b)
		if err != nil {
			h.log.ErrorContext(ctx, "event.append.fail", slog.String("err", err.Error()))
			continue
		}
		msgs = append(msgs, outMessage{token: token, kind: kindResponse, payload: b})
	}

	for _, fr := range coalesce(msgs, h.frameByteLimit, h.frameItemLimit) {
		if err := h.conns.PushTo(ctx, sessID, conn.ID(), fr.token, fr.data); err != nil {
			// The push already landed in the log; the client recovers it by
			// replaying from its last-seen token.
			h.log.InfoContext(ctx, "sse.push.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// handleGet serves the long-lived listen call: a pure subscription that
// replays missed events and then idles under heartbeat until someone closes
// it.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "session required")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ok, err := h.sessions.Validate(ctx, sessID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	if err := h.sessions.Touch(ctx, sessID); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set(sessionIDHeader, sessID)
	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	writer := newSSEWriter(wf)

	// First frame: a keepalive, written before registration while this
	// handler still solely owns the writer. It commits the stream without
	// advancing the client's resume position.
	if err := writer.WriteKeepalive(); err != nil {
		h.log.InfoContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}

	conn := h.conns.Register(sessID, connections.KindStream, writer)
	defer h.conns.Unregister(sessID, conn.ID())

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("conn_id", conn.ID()))

	if lastEventID != "" {
		err := h.events.Since(ctx, sessID, lastEventID, func(token string, payload []byte) error {
			return h.conns.PushTo(ctx, sessID, conn.ID(), token, payload)
		})
		if err != nil {
			h.log.InfoContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			return
		}
	}

	// Idle until the peer disconnects or the registry closes us (heartbeat
	// failure, session termination). Live pushes arrive via the registry.
	select {
	case <-ctx.Done():
	case <-conn.Done():
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates a session: record, events, and connections all go.
// Termination is idempotent; deleting an absent or expired session reports
// the same success its first deletion did.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "session required")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.sessions.Terminate(ctx, sessID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to terminate session")
		h.log.ErrorContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}
