package collab

import "context"

// Store persists replicated document state as opaque bytes keyed by draft id.
//
// Requirements:
//   - Load reports found=false (and no error) for a draft that was never saved.
//   - Save replaces the stored state atomically (last write wins).
type Store interface {
	Load(ctx context.Context, documentID string) (state []byte, found bool, err error)
	Save(ctx context.Context, documentID string, state []byte) error
	Close() error
}
