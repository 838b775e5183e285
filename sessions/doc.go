// Package sessions implements the session store: the durable record of
// session existence and activity. A session is a logical conversation that
// outlives any single HTTP connection; it stays valid while traffic arrives
// within its inactivity window and is reclaimed afterwards.
//
// The store owns only the session records. Events, connections, and
// in-flight request entries are owned by their respective components and are
// reachable from here only through injected hooks keyed by session ID, which
// keeps each store independently testable.
package sessions
