package collab

import (
	"context"
	"errors"
	"sync"
)

// InMemoryStore is a dev/test Store.
type InMemoryStore struct {
	mu    sync.RWMutex
	state map[string][]byte
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: make(map[string][]byte)}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Load(ctx context.Context, documentID string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("collab: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.state[documentID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *InMemoryStore) Save(ctx context.Context, documentID string, state []byte) error {
	if s == nil {
		return errors.New("collab: nil store")
	}
	if documentID == "" {
		return ErrInvalidDocumentID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state[documentID] = append([]byte(nil), state...)
	s.mu.Unlock()
	return nil
}
