// Package streamhttp implements the resumable session transport over HTTP.
//
// One endpoint carries the whole protocol:
//
//   - POST delivers a JSON-RPC message or batch. Pure notifications and
//     responses are accepted with 202 and no body; requests run concurrently
//     and their results come back either as a synchronous JSON body or, for
//     clients that accept text/event-stream, over a request-scoped SSE
//     channel whose frames are logged for replay before transmission.
//   - GET opens the long-lived listen stream: it replays every event after
//     the client's Last-Event-ID, then idles under keepalive heartbeats and
//     carries server-originated pushes.
//   - DELETE terminates the session, its event log, and all its
//     connections, idempotently.
//
// Sessions travel in the Session-Id header. A client that loses its
// connection reconnects with its last-seen token and receives exactly the
// events it missed, as if the connection had never dropped; that reliability
// property is the reason this layer exists.
//
// The handler delegates to four injected collaborators: a session store over
// a pluggable key-value backend, an append-only event log, a connection
// registry that owns every live send handle, and an in-flight cancellation
// tracker. A client cancels a running request by posting a
// notifications/cancelled notification carrying the request's id.
package streamhttp
