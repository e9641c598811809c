package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "draftsync/shared/contracts/collab/v1"
)

// LinkState is the protocol state of one Link.
type LinkState int32

const (
	LinkConnecting LinkState = iota
	LinkAwaitingSyncStep1
	LinkSynced
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkAwaitingSyncStep1:
		return "awaiting_sync_step1"
	case LinkSynced:
		return "synced"
	case LinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("link_state(%d)", int32(s))
	}
}

// LinkConfig tunes one Link. Zero values select defaults; ReadIdleTimeout 0 disables the idle deadline.
type LinkConfig struct {
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	RateEvents      int
	RateWindow      time.Duration
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Link runs the sync protocol for one connection: it attaches its Peer to the Session, answers the
// handshake, relays updates and awareness, and writes the Peer's outbound queue to the Transport.
//
// Teardown is a single event: whatever ends the Link (remote close, transport failure, protocol error,
// queue overflow, heartbeat, shutdown), the Peer is detached exactly once and onDetach runs exactly once.
type Link struct {
	log     *slog.Logger
	metrics *Metrics
	session *Session
	peer    *Peer
	tr      Transport
	cfg     LinkConfig

	state atomic.Int32

	onDetach     func()
	shutdownOnce sync.Once
	closeTrOnce  sync.Once
}

// NewLink constructs a Link. onDetach may be nil.
func NewLink(log *slog.Logger, s *Session, p *Peer, tr Transport, cfg LinkConfig, onDetach func()) *Link {
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		log:      log,
		metrics:  s.metrics,
		session:  s,
		peer:     p,
		tr:       tr,
		cfg:      cfg.withDefaults(),
		onDetach: onDetach,
	}
}

// State returns the current protocol state.
func (l *Link) State() LinkState { return LinkState(l.state.Load()) }

// Close ends the Link with cause. Run returns shortly after.
func (l *Link) Close(cause error) { l.peer.Close(cause) }

// Run drives the Link until it closes. It returns nil on a clean close and the close cause otherwise.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := l.session.Attach(l.peer); err != nil {
		l.shutdown(err)
		return err
	}
	l.state.Store(int32(LinkAwaitingSyncStep1))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop(ctx)
		// A close started on our side goes out as a close frame; the pending Recv then ends through the
		// close handshake and the remote side sees the close code of the cause.
		if ctx.Err() == nil {
			l.closeTransport()
		}
	}()

	cause := l.readLoop(ctx)
	l.shutdown(cause)
	<-writerDone

	if err := l.peer.Err(); err != nil && !errors.Is(err, ErrPeerClosed) {
		return err
	}
	return nil
}

func (l *Link) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.peer.Done():
			return
		case f := <-l.peer.Outbound():
			wctx, wcancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
			err := l.tr.Send(wctx, f.Encode())
			wcancel()
			if err != nil {
				l.log.Info("link.write.fail", "document_id", l.session.ID, "peer_id", l.peer.ID, "err", err)
				l.peer.Close(fmt.Errorf("%w: write: %v", ErrTransport, err))
				return
			}
		}
	}
}

func (l *Link) readLoop(ctx context.Context) error {
	rl := NewRateLimiter(l.cfg.RateEvents, l.cfg.RateWindow)

	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if l.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, l.cfg.ReadIdleTimeout)
		}
		data, err := l.tr.Recv(readCtx)
		readCancel()

		if err != nil {
			return l.readFailure(ctx, err)
		}

		if !rl.Allow(time.Now()) {
			l.metrics.PeersDropped.WithLabelValues("rate_limited").Inc()
			l.log.Warn("link.rate_limited", "document_id", l.session.ID, "peer_id", l.peer.ID)
			return ErrRateLimited
		}

		f, err := v1.Decode(data)
		if err != nil {
			l.metrics.PeersDropped.WithLabelValues("malformed").Inc()
			l.log.Info("link.frame.malformed", "document_id", l.session.ID, "peer_id", l.peer.ID, "err", err)
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		l.metrics.FramesIn.WithLabelValues(f.Kind.String()).Inc()

		if err := l.handle(f); err != nil {
			if errors.Is(err, ErrQueueFull) {
				l.metrics.PeersDropped.WithLabelValues("queue_full").Inc()
			} else {
				l.metrics.PeersDropped.WithLabelValues("protocol").Inc()
			}
			l.log.Info("link.protocol.fail", "document_id", l.session.ID, "peer_id", l.peer.ID,
				"state", l.State().String(), "kind", f.Kind.String(), "err", err)
			return err
		}
	}
}

// readFailure turns a Recv error into the Link's close cause.
func (l *Link) readFailure(ctx context.Context, err error) error {
	// Closed from our side (overflow, heartbeat, shutdown): keep the recorded cause.
	if cause := l.peer.Err(); cause != nil {
		return cause
	}

	switch classifyReadErr(err) {
	case readErrClose:
		return ErrPeerClosed
	case readErrMalformed:
		l.metrics.PeersDropped.WithLabelValues("malformed").Inc()
		return err
	case readErrCtxDone:
		if ctx.Err() != nil {
			return ErrShuttingDown
		}
		return fmt.Errorf("%w: read idle timeout", ErrTransport)
	default:
		l.log.Info("link.read.fail", "document_id", l.session.ID, "peer_id", l.peer.ID, "err", err)
		return fmt.Errorf("%w: read: %v", ErrTransport, err)
	}
}

func (l *Link) handle(f v1.Frame) error {
	switch l.State() {
	case LinkAwaitingSyncStep1:
		if f.Kind != v1.KindSyncStep1 {
			return fmt.Errorf("%w: %s before sync step 1", ErrProtocol, f.Kind)
		}
		if err := l.session.Sync(l.peer, f.Payload); err != nil {
			return err
		}
		l.state.CompareAndSwap(int32(LinkAwaitingSyncStep1), int32(LinkSynced))
		l.log.Debug("link.synced", "document_id", l.session.ID, "peer_id", l.peer.ID)
		return nil

	case LinkSynced:
		switch f.Kind {
		case v1.KindSyncStep1:
			return l.session.Sync(l.peer, f.Payload)
		case v1.KindSyncStep2, v1.KindUpdate:
			return l.session.ApplyUpdate(l.peer, f.Payload)
		case v1.KindAwareness:
			return l.session.SetAwareness(l.peer, f.Payload)
		}
		return fmt.Errorf("%w: unexpected %s", ErrProtocol, f.Kind)

	default:
		return fmt.Errorf("%w: frame in state %s", ErrProtocol, l.State())
	}
}

// shutdown runs the single teardown event.
func (l *Link) shutdown(cause error) {
	l.shutdownOnce.Do(func() {
		l.peer.Close(cause)
		l.state.Store(int32(LinkClosed))
		l.session.Detach(l.peer)

		l.closeTransport()
		l.log.Info("link.closed", "document_id", l.session.ID, "peer_id", l.peer.ID, "cause", l.peer.Err())

		if l.onDetach != nil {
			l.onDetach()
		}
	})
}

// closeTransport closes the Transport once, reporting the Peer's close cause.
func (l *Link) closeTransport() {
	l.closeTrOnce.Do(func() {
		if err := l.tr.Close(l.peer.Err()); err != nil {
			l.log.Debug("link.transport.close_fail", "peer_id", l.peer.ID, "err", err)
		}
	})
}
