package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Registry maps draft ids to live Sessions.
//
// Concurrency model:
//   - mu guards sessions, every Session.refs and closed. mu may be held while taking a Session mutex,
//     never the reverse.
//   - First-time loads are collapsed with singleflight and the map is re-checked inside the flight, so
//     concurrent connections to a cold draft perform exactly one load and share one Session.
//   - A Session leaves the map only when it has no references, no peers and nothing unsaved.
type Registry struct {
	log       *slog.Logger
	metrics   *Metrics
	persister *Persister

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	loads singleflight.Group

	persisterOpts []PersisterOption
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics sets the collectors used by the registry and every session it creates.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithPersisterOptions tunes the save policy.
func WithPersisterOptions(opts ...PersisterOption) RegistryOption {
	return func(r *Registry) {
		r.persisterOpts = append(r.persisterOpts, opts...)
	}
}

// NewRegistry constructs a Registry persisting through store.
func NewRegistry(log *slog.Logger, store Store, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	r := &Registry{
		log:      log,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	r.persister = NewPersister(log, store, r.metrics, r.persisterOpts...)
	return r
}

// Metrics returns the collectors shared by the registry's sessions.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// Acquire returns the Session of documentID, loading persisted state on first use, and takes a
// reference on it. Every successful Acquire must be paired with Release.
//
// A load failure is returned as an error and registers nothing.
func (r *Registry) Acquire(ctx context.Context, documentID string) (*Session, error) {
	if documentID == "" || len(documentID) > maxDocumentIDBytes {
		return nil, ErrInvalidDocumentID
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if s, ok := r.sessions[documentID]; ok {
			s.refs++
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		// The flight must not be canceled by the first caller leaving: other callers share its result.
		loadCtx := context.WithoutCancel(ctx)
		ch := r.loads.DoChan(documentID, func() (any, error) {
			return r.load(loadCtx, documentID)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			// Nobody claims a session loaded for a caller that left; drop it once the flight lands.
			go func() {
				if res := <-ch; res.Err == nil {
					r.tryEvict(res.Val.(*Session))
				}
			}()
			return nil, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(*Session)

		r.mu.Lock()
		if r.sessions[documentID] == s {
			s.refs++
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()
		// Evicted between the load and our reference; resolve again.
	}
}

func (r *Registry) load(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[documentID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	state, found, err := r.persister.Load(ctx, documentID)
	if err != nil {
		r.log.Error("session.load.fail", "document_id", documentID, "err", err)
		return nil, err
	}
	doc, err := LoadDocument(state)
	if err != nil {
		r.log.Error("session.load.decode_fail", "document_id", documentID, "bytes", len(state), "err", err)
		return nil, err
	}

	s := newSession(r.log, r.metrics, documentID, doc)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	r.sessions[documentID] = s
	r.metrics.Sessions.Inc()
	r.log.Info("session.create", "document_id", documentID, "found", found, "bytes", len(state))
	return s, nil
}

// Release drops a reference taken by Acquire. When the last reference goes, dirty state is persisted
// and the Session is evicted once it is clean and idle.
//
// A save failure leaves the Session registered and dirty; it is retried on the next trigger.
func (r *Registry) Release(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}

	r.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	last := s.refs == 0
	r.mu.Unlock()

	if !last {
		return nil
	}
	return r.flush(ctx, s)
}

// flush persists s until it is clean, then tries to evict it.
func (r *Registry) flush(ctx context.Context, s *Session) error {
	for {
		snapshot, ok := s.beginSave()
		if !ok {
			break
		}
		err := r.persister.Save(ctx, s.ID, snapshot)
		again := s.endSave(err)
		if err != nil {
			return err
		}
		if !again {
			break
		}
	}
	r.tryEvict(s)
	return nil
}

// tryEvict removes s when nothing references it and it has no peers and nothing unsaved.
func (r *Registry) tryEvict(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ID] != s || s.refs > 0 || !s.idle() {
		return false
	}
	delete(r.sessions, s.ID)
	r.metrics.Sessions.Dec()
	r.metrics.Evictions.Inc()
	r.log.Info("session.evict", "document_id", s.ID)
	return true
}

// Lookup returns the live Session of documentID without taking a reference.
func (r *Registry) Lookup(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// Len returns the number of live Sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LoadSnapshot returns the current state of documentID: the live Session's snapshot when registered,
// otherwise the stored state. found=false means the draft has no state anywhere.
func (r *Registry) LoadSnapshot(ctx context.Context, documentID string) ([]byte, bool, error) {
	if documentID == "" || len(documentID) > maxDocumentIDBytes {
		return nil, false, ErrInvalidDocumentID
	}
	if s, ok := r.Lookup(documentID); ok {
		return s.Snapshot(), true, nil
	}
	return r.persister.Load(ctx, documentID)
}

func (r *Registry) snapshotSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Checkpoint persists every dirty Session and evicts the idle ones.
func (r *Registry) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, s := range r.snapshotSessions() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.flush(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunCheckpoints calls Checkpoint every interval until ctx is done.
func (r *Registry) RunCheckpoints(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("registry.checkpoint.fail", "err", err)
			}
		}
	}
}

// Close stops accepting new sessions, disconnects every peer and performs a final flush.
// It waits (bounded by ctx) for links to release their sessions so their last edits are included.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, s := range r.snapshotSessions() {
		s.shutdown(ErrShuttingDown)
	}

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for r.referenced() {
		select {
		case <-ctx.Done():
			r.log.Warn("registry.close.drain_timeout", "sessions", r.Len())
			return errors.Join(ctx.Err(), r.Checkpoint(context.WithoutCancel(ctx)))
		case <-t.C:
		}
	}

	err := r.Checkpoint(ctx)
	r.log.Info("registry.closed", "sessions", r.Len(), "err", err)
	return err
}

func (r *Registry) referenced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.refs > 0 {
			return true
		}
	}
	return false
}
