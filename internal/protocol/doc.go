// Package protocol owns the DDP wire contract and parsing primitives.
//
// Ownership boundary:
// - message kind discriminants
// - JSON text frame encode/decode
// - outbound frame constructors
//
// Semantic validation (handshake order, correlation) belongs to package session.
package protocol
