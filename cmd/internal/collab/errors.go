package collab

import "errors"

var (
	// ErrInvalidDocumentID is returned for an empty or oversized draft id.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")

	// ErrProtocol is returned when a frame arrives in a state that does not accept it.
	ErrProtocol = errors.New("collab: protocol violation")

	// ErrMalformedFrame is returned for frames that cannot be decoded.
	ErrMalformedFrame = errors.New("collab: malformed frame")

	// ErrBadUpdate is returned when update bytes are not a valid document update.
	ErrBadUpdate = errors.New("collab: malformed update")

	// ErrBadStateVector is returned when a state vector cannot be decoded.
	ErrBadStateVector = errors.New("collab: malformed state vector")

	// ErrBadSnapshot is returned when persisted state cannot be loaded into a document.
	ErrBadSnapshot = errors.New("collab: malformed snapshot")

	// ErrQueueFull is the close cause of a peer whose outbound queue overflowed.
	ErrQueueFull = errors.New("collab: outbound queue full")

	// ErrNotAttached is returned when a detached peer tries to act on a session.
	ErrNotAttached = errors.New("collab: peer not attached")

	// ErrPeerClosed is the close cause of a cleanly closed connection.
	ErrPeerClosed = errors.New("collab: peer closed")

	// ErrTransport wraps transport-level read/write failures.
	ErrTransport = errors.New("collab: transport failure")

	// ErrRateLimited is the close cause of a peer that exceeded its inbound frame budget.
	ErrRateLimited = errors.New("collab: rate limited")

	// ErrHeartbeat is the close cause of a peer that stopped answering pings.
	ErrHeartbeat = errors.New("collab: heartbeat failed")

	// ErrShuttingDown is the close cause used when the server stops.
	ErrShuttingDown = errors.New("collab: server shutting down")
)
