package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Persister bridges Sessions to a Store: bounded retries with exponential backoff, per-attempt timeout,
// and results exported as metrics.
type Persister struct {
	log     *slog.Logger
	store   Store
	metrics *Metrics

	timeout time.Duration
	retries int
	backoff time.Duration

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithSaveTimeout bounds one save attempt.
func WithSaveTimeout(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithSaveRetries sets how many times a failed save is retried before giving up until the next trigger.
func WithSaveRetries(n int) PersisterOption {
	return func(p *Persister) {
		if n >= 0 {
			p.retries = n
		}
	}
}

// WithSaveBackoff sets the initial delay between retries. It doubles after each failure.
func WithSaveBackoff(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// NewPersister constructs a Persister around store.
func NewPersister(log *slog.Logger, store Store, m *Metrics, opts ...PersisterOption) *Persister {
	p := &Persister{
		log:     log,
		store:   store,
		metrics: m,
		timeout: defaultSaveTimeout,
		retries: defaultSaveRetries,
		backoff: defaultSaveBackoff,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Load reads the persisted state of documentID. found=false means the draft was never saved.
func (p *Persister) Load(ctx context.Context, documentID string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultLoadTimeout)
	defer cancel()

	b, found, err := p.store.Load(ctx, documentID)
	switch {
	case err != nil:
		p.metrics.Loads.WithLabelValues("error").Inc()
	case found:
		p.metrics.Loads.WithLabelValues("found").Inc()
	default:
		p.metrics.Loads.WithLabelValues("empty").Inc()
	}
	return b, found, err
}

// Save writes state, retrying transient failures. The returned error is the last attempt's error.
func (p *Persister) Save(ctx context.Context, documentID string, state []byte) error {
	delay := p.backoff
	var err error

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if serr := p.sleep(ctx, delay); serr != nil {
				break
			}
			delay *= 2
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = p.store.Save(attemptCtx, documentID, state)
		cancel()

		if err == nil {
			p.metrics.Saves.WithLabelValues("ok").Inc()
			p.metrics.SaveDuration.Observe(time.Since(start).Seconds())
			p.log.Debug("persist.save.ok", "document_id", documentID, "bytes", len(state), "attempt", attempt+1)
			return nil
		}

		p.metrics.Saves.WithLabelValues("error").Inc()
		p.log.Warn("persist.save.retry", "document_id", documentID, "attempt", attempt+1, "err", err)

		if errors.Is(err, ErrInvalidDocumentID) {
			break
		}
	}

	if err == nil {
		err = ctx.Err()
	}
	p.log.Error("persist.save.fail", "document_id", documentID, "bytes", len(state), "err", err)
	return fmt.Errorf("save %s: %w", documentID, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
