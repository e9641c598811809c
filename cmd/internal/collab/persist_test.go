package collab

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPersister_RetriesWithBackoff(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.failSaves(errStoreDown, errStoreDown)

	p := NewPersister(discardLogger(), store, NewMetrics(nil), WithSaveRetries(3), WithSaveBackoff(10*time.Millisecond))
	var delays []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	if err := p.Save(context.Background(), "draft-1", []byte("state")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := store.saves.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", delays)
	}
}

func TestPersister_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.failSaves(errStoreDown, errStoreDown, errStoreDown)

	p := NewPersister(discardLogger(), store, NewMetrics(nil), WithSaveRetries(2))
	p.sleep = func(context.Context, time.Duration) error { return nil }

	err := p.Save(context.Background(), "draft-1", []byte("state"))
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if got := store.saves.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestPersister_StopsOnContextDone(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.failSaves(errStoreDown, errStoreDown)

	p := NewPersister(discardLogger(), store, NewMetrics(nil), WithSaveRetries(5))
	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	if err := p.Save(ctx, "draft-1", []byte("state")); err == nil {
		t.Fatalf("expected an error")
	}
	if got := store.saves.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}
