// Package wiresocket implements the abstract message-socket transport the
// rest of this module is built against: a ROUTER-like server socket that
// hands each accepted peer an opaque identity, and a DEALER-like client
// socket that dials exactly one remote. Both carry multi-frame messages
// over a single gorilla/websocket connection, sealed with a NaCl box before
// any frame reaches the wire.
package wiresocket

import "errors"

// PeerID is the opaque identity a RouterSocket assigns to each accepted
// connection. Two PeerID values are never equal across reconnects, even if
// the underlying remote host is the same.
type PeerID string

// SendStatus reports the outcome of a non-blocking send.
type SendStatus int

const (
	// StatusOK means the frames were handed to the connection's write
	// goroutine.
	StatusOK SendStatus = iota
	// StatusWouldBlock means the peer's send queue is full; the caller
	// must treat this exactly like a dropped message, never retry inline.
	StatusWouldBlock
	// StatusError means the peer is gone or the connection is closed.
	StatusError
)

// ErrUnknownPeer names the condition of no connection being registered under
// a given PeerID. RouterSocket.Send does not return it: it reports that case
// as StatusError.
var ErrUnknownPeer = errors.New("wiresocket: unknown peer")

// RecvHandler is invoked once per inbound message. For a RouterSocket, peer
// identifies which connection the frames arrived on; for a DealerSocket,
// peer is always "" since there is exactly one remote.
type RecvHandler func(frames [][]byte, peer PeerID)
