// Package session owns the client side of one DDP connection.
//
// Ownership boundary:
// - connection lifecycle and handshake state machine (connect -> login -> ready)
// - pending-request registry correlating replies to callers
// - command descriptors (connect, authenticate, method, subscribe, logout)
// - inbound dispatch, keepalive replies, failure propagation
//
// Frames are dispatched by a single reader goroutine strictly in arrival order.
// Callers on any goroutine issue commands and block only on their own reply.
package session
