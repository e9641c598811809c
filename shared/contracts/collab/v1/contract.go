package v1

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxConnectionIDBytes bounds the connection id carried in awareness entries.
const MaxConnectionIDBytes = 128

var (
	// ErrEmptyFrame is returned for a zero-length message.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrUnknownKind is returned when byte 0 does not name a known kind.
	ErrUnknownKind = errors.New("unknown frame kind")

	// ErrBadAwareness is returned for an undecodable awareness entry.
	ErrBadAwareness = errors.New("malformed awareness entry")
)

// Encode returns the wire form of f.
func (f Frame) Encode() []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = byte(f.Kind)
	copy(out[1:], f.Payload)
	return out
}

// Validate checks the frame header.
func (f Frame) Validate() error {
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, byte(f.Kind))
	}
	return nil
}

// Decode parses one wire message. The payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	f := Frame{Kind: Kind(b[0]), Payload: b[1:]}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// SyncStep1 builds a SyncStep1 frame carrying stateVector.
func SyncStep1(stateVector []byte) Frame { return Frame{Kind: KindSyncStep1, Payload: stateVector} }

// SyncStep2 builds a SyncStep2 frame carrying update.
func SyncStep2(update []byte) Frame { return Frame{Kind: KindSyncStep2, Payload: update} }

// Update builds an Update frame.
func Update(update []byte) Frame { return Frame{Kind: KindUpdate, Payload: update} }

// Awareness builds a server-to-client Awareness frame for entry.
func Awareness(entry AwarenessEntry) Frame {
	return Frame{Kind: KindAwareness, Payload: EncodeAwareness(entry)}
}

// EncodeAwareness encodes entry as uvarint(len(id)) || id || state.
func EncodeAwareness(entry AwarenessEntry) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(entry.ConnectionID)+len(entry.State))
	out = binary.AppendUvarint(out, uint64(len(entry.ConnectionID)))
	out = append(out, entry.ConnectionID...)
	out = append(out, entry.State...)
	return out
}

// DecodeAwareness is the inverse of EncodeAwareness.
func DecodeAwareness(b []byte) (AwarenessEntry, error) {
	n, w := binary.Uvarint(b)
	if w <= 0 {
		return AwarenessEntry{}, ErrBadAwareness
	}
	if n == 0 || n > MaxConnectionIDBytes || uint64(len(b)-w) < n {
		return AwarenessEntry{}, ErrBadAwareness
	}
	id := string(b[w : w+int(n)])
	state := b[w+int(n):]
	return AwarenessEntry{ConnectionID: id, State: state}, nil
}
