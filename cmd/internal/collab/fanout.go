package collab

import (
	"log/slog"

	v1 "draftsync/shared/contracts/collab/v1"
)

// publish delivers f to every synced peer except origin. The caller must hold the Session mutex,
// which makes every peer observe frames in the Session's apply order.
//
// Delivery never blocks: a peer whose queue is full is closed with ErrQueueFull and detaches through
// its own Link. Dropping the frame silently would let that replica diverge.
func publish(log *slog.Logger, m *Metrics, documentID string, peers map[string]*Peer, f v1.Frame, origin *Peer) int {
	delivered := 0
	for _, p := range peers {
		if p == nil || p == origin || !p.synced {
			continue
		}

		select {
		case <-p.Done():
			// Skip peers that are shutting down.
			continue
		default:
		}

		if p.offer(f) {
			delivered++
			continue
		}

		p.Close(ErrQueueFull)
		m.PeersDropped.WithLabelValues("queue_full").Inc()
		log.Warn("fanout.peer.overflow", "document_id", documentID, "peer_id", p.ID, "kind", f.Kind.String())
	}
	return delivered
}
