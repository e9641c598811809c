package collab

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "draftsync/shared/contracts/collab/v1"

	"github.com/automerge/automerge-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replica is a client-side automerge document that emits incremental updates.
type replica struct {
	doc *automerge.Doc
}

func newReplica() *replica { return &replica{doc: automerge.New()} }

// set writes key=val and returns the update carrying just that change.
func (r *replica) set(t *testing.T, key string, val any) []byte {
	t.Helper()
	before := r.doc.Heads()
	if err := r.doc.Path(key).Set(val); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	changes, err := r.doc.Changes(before...)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	return automerge.SaveChanges(changes)
}

func sortedHeads(t *testing.T, sv []byte) [][]byte {
	t.Helper()
	heads, err := DecodeStateVector(sv)
	if err != nil {
		t.Fatalf("DecodeStateVector: %v", err)
	}
	out := make([][]byte, 0, len(heads))
	for _, h := range heads {
		out = append(out, append([]byte(nil), h[:]...))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

func sameHeads(t *testing.T, a, b []byte) bool {
	t.Helper()
	ha, hb := sortedHeads(t, a), sortedHeads(t, b)
	if len(ha) != len(hb) {
		return false
	}
	for i := range ha {
		if !bytes.Equal(ha[i], hb[i]) {
			return false
		}
	}
	return true
}

func mustLoadDocument(t *testing.T, snapshot []byte) Document {
	t.Helper()
	d, err := LoadDocument(snapshot)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	return d
}

// countingStore wraps InMemoryStore, counting calls and optionally delaying or failing them.
type countingStore struct {
	inner *InMemoryStore

	loads atomic.Int32
	saves atomic.Int32

	loadDelay time.Duration

	mu       sync.Mutex
	loadErr  error
	saveErrs []error // consumed one per Save call; nil entries succeed
}

func newCountingStore() *countingStore {
	return &countingStore{inner: NewInMemoryStore()}
}

func (s *countingStore) Load(ctx context.Context, id string) ([]byte, bool, error) {
	s.loads.Add(1)
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return s.inner.Load(ctx, id)
}

func (s *countingStore) Save(ctx context.Context, id string, state []byte) error {
	s.saves.Add(1)
	s.mu.Lock()
	var err error
	if len(s.saveErrs) > 0 {
		err = s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, id, state)
}

func (s *countingStore) Close() error { return nil }

func (s *countingStore) failSaves(errs ...error) {
	s.mu.Lock()
	s.saveErrs = append(s.saveErrs, errs...)
	s.mu.Unlock()
}

var errStoreDown = errors.New("store down")

func newTestRegistry(store Store) *Registry {
	return NewRegistry(discardLogger(), store, WithPersisterOptions(WithSaveRetries(0)))
}

// recvFrame reads one frame from a peer's outbound queue.
func recvFrame(t *testing.T, p *Peer) v1.Frame {
	t.Helper()
	select {
	case f := <-p.Outbound():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("peer %s: no frame", p.ID)
		return v1.Frame{}
	}
}

func expectNoFrame(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case f := <-p.Outbound():
		t.Fatalf("peer %s: unexpected %s frame", p.ID, f.Kind)
	default:
	}
}

// syncedPeer attaches a new peer to s, completes the handshake and drains the handshake frames.
func syncedPeer(t *testing.T, s *Session, id string, queue int) *Peer {
	t.Helper()
	p := NewPeer(id, "user-"+id, queue)
	if err := s.Attach(p); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Sync(p, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	for {
		select {
		case <-p.Outbound():
			continue
		default:
		}
		break
	}
	return p
}

// chanTransport is an in-memory Transport. The test plays the remote side through in and out.
type chanTransport struct {
	in  chan []byte
	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu    sync.Mutex
	cause error
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *chanTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, net.ErrClosed
	case b, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

func (t *chanTransport) Send(ctx context.Context, msg []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return net.ErrClosed
	case t.out <- msg:
		return nil
	}
}

func (t *chanTransport) Close(cause error) error {
	t.closes.Add(1)
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.cause = cause
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *chanTransport) closeCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// send plays a remote frame.
func (t *chanTransport) send(f v1.Frame) { t.in <- f.Encode() }

// next reads the next frame the link wrote.
func (t *chanTransport) next(tb testing.TB) v1.Frame {
	tb.Helper()
	select {
	case b := <-t.out:
		f, err := v1.Decode(b)
		if err != nil {
			tb.Fatalf("decode: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		tb.Fatalf("no frame written")
		return v1.Frame{}
	}
}
