// Package server implements the HTTP and WebSocket front end of the ticko
// relay.
//
// The implementation is organized into specialized files for configuration,
// websocket clients, routing, HTTP handlers and the service lifecycle. The
// relay semantics themselves live in internal/relay; this package only moves
// frames between sockets and relay sessions.
package server
