// Package v1 defines the draftsync collaboration protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
//
// Every frame travels as exactly one binary websocket message:
//
//	byte 0     kind (KindSyncStep1..KindAwareness)
//	bytes 1..  payload
//
// Payload semantics per kind:
//   - SyncStep1: the sender's state vector.
//   - SyncStep2: the update the receiver needs to catch up with the sender.
//   - Update:    an incremental document update.
//   - Awareness: client -> server: the raw presence state of the sending connection.
//     server -> client: an AwarenessEntry (see EncodeAwareness); an empty state means the entry was removed.
package v1

// Subprotocol is the websocket subprotocol negotiated for v1.
const Subprotocol = "draftsync.v1"

// Kind identifies the frame type (wire-stable).
type Kind byte

const (
	KindSyncStep1 Kind = 1
	KindSyncStep2 Kind = 2
	KindUpdate    Kind = 3
	KindAwareness Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync_step1"
	case KindSyncStep2:
		return "sync_step2"
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	return k >= KindSyncStep1 && k <= KindAwareness
}

// Frame is a decoded protocol frame.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// AwarenessEntry is the server-to-client presence record of one connection.
type AwarenessEntry struct {
	ConnectionID string
	State        []byte
}

// Removed reports whether the entry announces the departure of its connection.
func (e AwarenessEntry) Removed() bool { return len(e.State) == 0 }
