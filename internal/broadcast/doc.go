// Package broadcast holds the live session registry and the dispatcher that
// fans a payload out to every open session.
//
// The Registry is a plain RWMutex-guarded map; delivery iterates a snapshot so
// connects and disconnects never wait on a slow client. Lifecycle turns
// transport events into registry mutations and owns the per-session keepalive.
// A session moves OPEN -> CLOSING -> CLOSED exactly once, whichever path
// (client close, read error, failed send, keepalive, eviction, shutdown) gets
// there first.
package broadcast
