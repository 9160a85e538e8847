// Package websocket accepts WebSocket upgrades on /ws and /ws/:sid, applies
// origin and connection limits, and feeds inbound frames to the session
// lifecycle.
package websocket
