package collab

import (
	"sync"

	v1 "draftsync/shared/contracts/collab/v1"
)

// Peer is the handle of one connected collaborator inside a Session.
//
// Design notes:
//   - The outbound queue is never closed by the server; done signals shutdown instead, so concurrent
//     fan-out can never panic on a closed channel.
//   - Close is idempotent and records the first cause.
type Peer struct {
	ID     string
	UserID string

	send chan v1.Frame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error

	// synced is guarded by the owning Session's mutex. Fan-out only targets synced peers.
	synced bool
}

// NewPeer constructs a Peer with a bounded outbound queue.
func NewPeer(id, userID string, queueSize int) *Peer {
	if queueSize <= 0 {
		queueSize = wsDefaultSendQueueSize
	}
	return &Peer{
		ID:     id,
		UserID: userID,
		send:   make(chan v1.Frame, queueSize),
		done:   make(chan struct{}),
	}
}

// Outbound returns the queue drained by the peer's write loop.
func (p *Peer) Outbound() <-chan v1.Frame { return p.send }

// Done returns a channel that is closed when the peer is shutting down.
func (p *Peer) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close signals the peer's goroutines to stop (idempotent).
// A nil cause is recorded as ErrPeerClosed.
func (p *Peer) Close(cause error) {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrPeerClosed
		}
		p.mu.Lock()
		p.cause = cause
		p.mu.Unlock()
		close(p.done)
	})
}

// Err returns the close cause, or nil while the peer is open.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// offer enqueues f without blocking. It reports false when the peer is closing or its queue is full.
func (p *Peer) offer(f v1.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- f:
		return true
	default:
		return false
	}
}
