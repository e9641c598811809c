package collab

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Document is the replicated document capability a Session synchronizes.
//
// Merges are commutative and idempotent: applying the same update twice, or two independent updates in
// either order, converges to the same state. Implementations are not safe for concurrent use; the owning
// Session serializes access.
type Document interface {
	// ApplyUpdate integrates a local or remote change.
	ApplyUpdate(update []byte) error
	// DiffSince returns the update a replica at stateVector needs to catch up.
	DiffSince(stateVector []byte) ([]byte, error)
	// StateVector returns the document's logical clock.
	StateVector() []byte
	// Snapshot returns a complete persistable encoding of the current state.
	Snapshot() []byte
}

// hashBytes is the width of one automerge change hash inside a state vector.
const hashBytes = len(automerge.ChangeHash{})

// automergeDocument implements Document on top of automerge.
//
// The state vector is the concatenation of the document heads; an update is a batch of changes
// encoded with automerge.SaveChanges.
type automergeDocument struct {
	doc *automerge.Doc
}

// LoadDocument builds a Document from a snapshot produced by Snapshot.
// An empty snapshot yields an empty document.
func LoadDocument(snapshot []byte) (Document, error) {
	if len(snapshot) == 0 {
		return &automergeDocument{doc: automerge.New()}, nil
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return &automergeDocument{doc: doc}, nil
}

func (d *automergeDocument) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	// Changes whose dependencies are missing are queued by automerge until they arrive.
	if err := d.doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	return nil
}

func (d *automergeDocument) DiffSince(stateVector []byte) ([]byte, error) {
	heads, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		// The peer knows changes this replica has not seen yet. Sending the full history is
		// always correct because applying known changes is a no-op on the receiving side.
		changes, err = d.doc.Changes()
		if err != nil {
			return nil, err
		}
	}
	return automerge.SaveChanges(changes), nil
}

func (d *automergeDocument) StateVector() []byte {
	return EncodeStateVector(d.doc.Heads())
}

func (d *automergeDocument) Snapshot() []byte {
	return d.doc.Save()
}

// EncodeStateVector concatenates heads into the wire form of a state vector.
func EncodeStateVector(heads []automerge.ChangeHash) []byte {
	out := make([]byte, 0, len(heads)*hashBytes)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(b []byte) ([]automerge.ChangeHash, error) {
	if len(b)%hashBytes != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrBadStateVector, len(b), hashBytes)
	}
	heads := make([]automerge.ChangeHash, 0, len(b)/hashBytes)
	for off := 0; off < len(b); off += hashBytes {
		var h automerge.ChangeHash
		copy(h[:], b[off:off+hashBytes])
		heads = append(heads, h)
	}
	return heads, nil
}
