package relay

import "github.com/pkg/errors"

var (
	// ErrPeerClosed is returned when sending to a peer that is shutting down.
	ErrPeerClosed = errors.New("relay: peer closed")
	// ErrSendBufferFull is returned when a peer's outbound queue is full.
	ErrSendBufferFull = errors.New("relay: send buffer full")
	// ErrMalformedEvent marks inbound events with missing or invalid fields.
	ErrMalformedEvent = errors.New("relay: malformed event")
	// ErrNotIdentified is returned for events that require a prior setup.
	ErrNotIdentified = errors.New("relay: connection not identified")
	// ErrIdentityMismatch is returned when setup names a user other than
	// the one verified at handshake time.
	ErrIdentityMismatch = errors.New("relay: setup does not match verified identity")
)

// Peer is one live transport session as seen by the hub.
//
// Send must not block: it either queues the frame or fails with
// ErrSendBufferFull or ErrPeerClosed. Close must not block either: it asks
// the transport to shut down, and the hub may call it while holding locks.
// The transport then reports the disconnect by closing the peer's Session.
type Peer interface {
	ID() string
	Send(frame []byte) error
	Close() error
}
