// Package router defines the method/notification handler registry the
// dispatcher consults for inbound messages. The transport only needs lookup;
// Mux is a minimal map-backed implementation for embedders and tests.
package router

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler executes one method call. ctx carries the request's cancellation
// signal; a handler that honors it stops early when the client cancels.
// Returning an error yields a generic internal error on the wire; the detail
// is logged server-side only.
type Handler func(ctx context.Context, sessionID string, params json.RawMessage) (result any, err error)

// Registry resolves method names to handlers.
type Registry interface {
	// Lookup returns the handler for method, or ok == false if none exists.
	Lookup(method string) (Handler, bool)
}

// Mux is a concurrency-safe Registry backed by a map.
type Mux struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewMux builds an empty Mux.
func NewMux() *Mux {
	return &Mux{m: make(map[string]Handler)}
}

// Handle registers fn for method, replacing any previous registration.
func (x *Mux) Handle(method string, fn Handler) {
	x.mu.Lock()
	x.m[method] = fn
	x.mu.Unlock()
}

// Lookup implements Registry.
func (x *Mux) Lookup(method string) (Handler, bool) {
	x.mu.RLock()
	fn, ok := x.m[method]
	x.mu.RUnlock()
	return fn, ok
}
