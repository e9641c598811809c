package collab

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/automerge/automerge-go"
)

func TestLoadDocument_EmptyAndGarbage(t *testing.T) {
	t.Parallel()

	d := mustLoadDocument(t, nil)
	if len(d.StateVector()) != 0 {
		t.Fatalf("empty document should have no heads")
	}

	if _, err := LoadDocument([]byte("definitely not automerge")); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("expected ErrBadSnapshot, got %v", err)
	}
}

func TestDocument_ApplyUpdate_RejectsGarbageAndIgnoresEmpty(t *testing.T) {
	t.Parallel()

	d := mustLoadDocument(t, nil)
	if err := d.ApplyUpdate(nil); err != nil {
		t.Fatalf("empty update should be a no-op, got %v", err)
	}
	if err := d.ApplyUpdate([]byte{0xde, 0xad, 0xbe, 0xef}); !errors.Is(err, ErrBadUpdate) {
		t.Fatalf("expected ErrBadUpdate, got %v", err)
	}
}

func TestStateVector_RoundTripAndBadLength(t *testing.T) {
	t.Parallel()

	r := newReplica()
	r.set(t, "title", "hello")
	heads := r.doc.Heads()

	got, err := DecodeStateVector(EncodeStateVector(heads))
	if err != nil {
		t.Fatalf("DecodeStateVector: %v", err)
	}
	if len(got) != len(heads) || got[0] != heads[0] {
		t.Fatalf("heads mismatch")
	}

	if _, err := DecodeStateVector(make([]byte, hashBytes+1)); !errors.Is(err, ErrBadStateVector) {
		t.Fatalf("expected ErrBadStateVector, got %v", err)
	}
}

func TestDocument_DiffSince_CatchesUpReplica(t *testing.T) {
	t.Parallel()

	server := mustLoadDocument(t, nil)
	r := newReplica()
	for i := 0; i < 5; i++ {
		if err := server.ApplyUpdate(r.set(t, fmt.Sprintf("k%d", i), int64(i))); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
	}

	lagging := mustLoadDocument(t, nil)
	full, err := server.DiffSince(nil)
	if err != nil {
		t.Fatalf("DiffSince(nil): %v", err)
	}
	if err := lagging.ApplyUpdate(full); err != nil {
		t.Fatalf("apply full diff: %v", err)
	}
	if !sameHeads(t, lagging.StateVector(), server.StateVector()) {
		t.Fatalf("full diff did not converge")
	}

	// Nothing is missing once the state vectors match.
	diff, err := server.DiffSince(lagging.StateVector())
	if err != nil {
		t.Fatalf("DiffSince: %v", err)
	}
	changes, err := automerge.LoadChanges(diff)
	if err != nil {
		t.Fatalf("LoadChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected empty diff, got %d changes", len(changes))
	}
}

func TestDocument_DiffSince_UnknownHeadsFallsBackToFullHistory(t *testing.T) {
	t.Parallel()

	server := mustLoadDocument(t, nil)
	if err := server.ApplyUpdate(newReplica().set(t, "a", "1")); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	// A peer with local edits the server has never seen.
	peer := newReplica()
	peer.set(t, "b", "2")

	diff, err := server.DiffSince(EncodeStateVector(peer.doc.Heads()))
	if err != nil {
		t.Fatalf("DiffSince: %v", err)
	}
	changes, err := automerge.LoadChanges(diff)
	if err != nil {
		t.Fatalf("LoadChanges: %v", err)
	}
	if len(changes) == 0 {
		t.Fatalf("expected the server history, got nothing")
	}
}

// Replicas that receive the same set of updates in any order, with duplicates, converge.
func TestDocument_Convergence_PermutationsAndDuplicates(t *testing.T) {
	t.Parallel()

	var updates [][]byte

	// Independent writers, including concurrent writes to the same key.
	for i := 0; i < 4; i++ {
		w := newReplica()
		updates = append(updates, w.set(t, "shared", fmt.Sprintf("writer-%d", i)))
		updates = append(updates, w.set(t, fmt.Sprintf("own-%d", i), int64(i)))
	}

	// A causal chain: later updates depend on earlier ones and may arrive first.
	chain := newReplica()
	for i := 0; i < 4; i++ {
		updates = append(updates, chain.set(t, "counter", int64(i)))
	}

	reference := mustLoadDocument(t, nil)
	for _, u := range updates {
		if err := reference.ApplyUpdate(u); err != nil {
			t.Fatalf("reference apply: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		order := rng.Perm(len(updates))
		d := mustLoadDocument(t, nil)
		for _, i := range order {
			if err := d.ApplyUpdate(updates[i]); err != nil {
				t.Fatalf("round %d apply: %v", round, err)
			}
			if rng.Intn(3) == 0 {
				if err := d.ApplyUpdate(updates[i]); err != nil {
					t.Fatalf("round %d duplicate apply: %v", round, err)
				}
			}
		}
		if !sameHeads(t, d.StateVector(), reference.StateVector()) {
			t.Fatalf("round %d: replica diverged", round)
		}

		// The converged state survives a snapshot round trip.
		reloaded := mustLoadDocument(t, d.Snapshot())
		if !sameHeads(t, reloaded.StateVector(), reference.StateVector()) {
			t.Fatalf("round %d: snapshot lost state", round)
		}
	}
}
