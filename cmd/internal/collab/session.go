package collab

import (
	"log/slog"
	"sync"

	v1 "draftsync/shared/contracts/collab/v1"
)

// Session is the live, in-memory state of one collaboratively edited draft.
//
// Concurrency guarantees:
//   - Every document mutation, attach, detach and persist snapshot runs under mu, so exactly one logical
//     mutation is in flight per draft. mu is never held across network or disk I/O.
//   - Fan-out happens inside the same critical section as the apply, so every attached peer receives
//     updates in apply order.
type Session struct {
	ID string

	log     *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	doc       Document
	peers     map[string]*Peer
	awareness map[string][]byte
	dirty     bool
	saving    bool
	// closed refuses new peers once the owning registry shuts down.
	closed bool

	// refs counts connections that resolved this session and have not released it yet.
	// Guarded by Registry.mu, not mu.
	refs int
}

func newSession(log *slog.Logger, m *Metrics, id string, doc Document) *Session {
	return &Session{
		ID:        id,
		log:       log,
		metrics:   m,
		doc:       doc,
		peers:     make(map[string]*Peer),
		awareness: make(map[string][]byte),
	}
}

// Attach adds p to the peer set. The peer receives no fan-out until it completes Sync.
func (s *Session) Attach(p *Peer) error {
	if p == nil || p.ID == "" {
		return ErrNotAttached
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := s.peers[p.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.peers[p.ID] = p
	n := len(s.peers)
	s.mu.Unlock()

	s.metrics.Peers.Inc()
	s.log.Info("session.peer.attach", "document_id", s.ID, "peer_id", p.ID, "user_id", p.UserID, "peers", n)
	return nil
}

// Detach removes p and its awareness entry. It reports whether p was attached, so repeated calls are
// harmless.
func (s *Session) Detach(p *Peer) bool {
	if p == nil {
		return false
	}

	s.mu.Lock()
	cur, ok := s.peers[p.ID]
	if !ok || cur != p {
		s.mu.Unlock()
		return false
	}
	delete(s.peers, p.ID)
	if _, had := s.awareness[p.ID]; had {
		delete(s.awareness, p.ID)
		gone := v1.Awareness(v1.AwarenessEntry{ConnectionID: p.ID})
		publish(s.log, s.metrics, s.ID, s.peers, gone, p)
	}
	n := len(s.peers)
	dirty := s.dirty
	s.mu.Unlock()

	s.metrics.Peers.Dec()
	s.log.Info("session.peer.detach", "document_id", s.ID, "peer_id", p.ID, "peers", n, "dirty", dirty)
	return true
}

// Sync answers a peer's SyncStep1. Under the session lock it queues SyncStep2 (the diff since
// stateVector), the session's own SyncStep1 and the awareness entries of the other peers, then marks
// the peer synced. Updates applied after this point reach the peer through fan-out, so nothing applied
// before or after the handshake can be missed.
func (s *Session) Sync(p *Peer, stateVector []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[p.ID] != p {
		return ErrNotAttached
	}

	diff, err := s.doc.DiffSince(stateVector)
	if err != nil {
		return err
	}
	if !p.offer(v1.SyncStep2(diff)) {
		return ErrQueueFull
	}
	if !p.offer(v1.SyncStep1(s.doc.StateVector())) {
		return ErrQueueFull
	}
	for id, state := range s.awareness {
		if id == p.ID {
			continue
		}
		if !p.offer(v1.Awareness(v1.AwarenessEntry{ConnectionID: id, State: state})) {
			return ErrQueueFull
		}
	}

	p.synced = true
	return nil
}

// ApplyUpdate merges update into the document and fans it out to every other synced peer.
// The update is never echoed back to origin. An empty update changes nothing and is not relayed.
func (s *Session) ApplyUpdate(origin *Peer, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if origin != nil && s.peers[origin.ID] != origin {
		return ErrNotAttached
	}
	if len(update) == 0 {
		return nil
	}
	if err := s.doc.ApplyUpdate(update); err != nil {
		return err
	}
	s.dirty = true

	s.metrics.Updates.Inc()
	s.metrics.UpdateBytes.Add(float64(len(update)))

	publish(s.log, s.metrics, s.ID, s.peers, v1.Update(update), origin)
	return nil
}

// SetAwareness records origin's presence state and relays it to the other peers.
// An empty state clears the entry.
func (s *Session) SetAwareness(origin *Peer, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[origin.ID] != origin {
		return ErrNotAttached
	}
	if len(state) == 0 {
		delete(s.awareness, origin.ID)
	} else {
		s.awareness[origin.ID] = append([]byte(nil), state...)
	}

	entry := v1.AwarenessEntry{ConnectionID: origin.ID, State: s.awareness[origin.ID]}
	publish(s.log, s.metrics, s.ID, s.peers, v1.Awareness(entry), origin)
	return nil
}

// Snapshot returns the full encoded document.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// StateVector returns the document's logical clock.
func (s *Session) StateVector() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVector()
}

// PeerCount returns the number of attached peers.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Dirty reports whether updates were applied since the last successful save.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// beginSave claims the session's single save slot and returns the snapshot to persist.
// It reports false when nothing is dirty or another save is in flight.
func (s *Session) beginSave() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saving || !s.dirty {
		return nil, false
	}
	s.saving = true
	s.dirty = false
	return s.doc.Snapshot(), true
}

// endSave releases the save slot. A failed save re-marks the session dirty so the next trigger retries.
// It reports whether another save is needed right away: edits arrived mid-save and no peer is left to
// trigger one later.
func (s *Session) endSave(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saving = false
	if err != nil {
		s.dirty = true
		return false
	}
	return s.dirty && len(s.peers) == 0
}

// idle reports whether the session can be evicted: no peers, nothing unsaved, no save in flight.
func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers) == 0 && !s.dirty && !s.saving
}

// closePeers disconnects every attached peer with cause. Their links detach on their own.
func (s *Session) closePeers(cause error) {
	s.disconnect(cause, false)
}

// shutdown disconnects every attached peer and refuses later attaches.
func (s *Session) shutdown(cause error) {
	s.disconnect(cause, true)
}

func (s *Session) disconnect(cause error, final bool) {
	s.mu.Lock()
	if final {
		s.closed = true
	}
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close(cause)
	}
}
