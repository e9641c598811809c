// Package app wires the draftsync server runtime: config, logging, storage, HTTP routes and the
// collaboration gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"draftsync/cmd/internal/auth/session"
	"draftsync/cmd/internal/collab"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction over the draft store and what backs it.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the draftsync server runtime.
type App struct {
	cfg Config
	log Logger

	store Store
	ready pinger

	registry *collab.Registry
	ws       *collab.WSGateway

	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tokens, err := newTokenVerifier(cfg, log)
	if err != nil {
		return nil, err
	}

	st, drafts, access, ready, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := collab.NewRegistry(log, drafts,
		collab.WithMetrics(collab.NewMetrics(reg)),
		collab.WithPersisterOptions(
			collab.WithSaveTimeout(cfg.SaveTimeout),
			collab.WithSaveRetries(cfg.SaveRetries),
		),
	)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		ready:    ready,
		registry: registry,
		ws:       collab.NewWSGateway(log, registry, tokens, access),
		metrics:  reg,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.ready, a.metrics, a.ws)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and the checkpoint loop and blocks until context cancellation or fatal
// server error. On the way out every dirty draft is flushed before the store is closed.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/drafts/{id}/ws",
		"db_enabled", a.ready != nil,
	)

	checkpointCtx, stopCheckpoints := context.WithCancel(context.Background())
	checkpointDone := make(chan struct{})
	go func() {
		defer close(checkpointDone)
		a.registry.RunCheckpoints(checkpointCtx, a.cfg.CheckpointInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 15*time.Second))
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; Registry.Close ends them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	stopCheckpoints()
	<-checkpointDone

	if err := a.registry.Close(shutdownCtx); err != nil {
		a.log.Error("registry.close.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func newTokenVerifier(cfg Config, log Logger) (session.AccessTokenVerifier, error) {
	sessCfg, err := session.LoadConfigFromEnv()
	if err == nil {
		var mgr session.AccessTokenManager
		mgr, err = session.NewPasetoV4PublicManager(sessCfg)
		if err == nil {
			log.Info("auth.tokens.enabled", "issuer", sessCfg.Issuer, "public_key", mgr.PublicKeyHex())
			return mgr, nil
		}
	}
	if cfg.RequireAuth {
		return nil, err
	}
	log.Warn("auth.tokens.disabled", "err", err)
	return nil, nil
}

// newStore decides between Postgres, SQLite and the in-memory dev store.
// The returned pinger is nil when no database backs the drafts.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, collab.Store, collab.Authorizer, pinger, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, nil, err
		}

		// The app owns the pool; PostgresStore.Close is a no-op.
		drafts, err := collab.NewPostgresStore(pool, collab.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
		access, err := collab.NewPostgresAccessStore(pool, collab.WithAccessSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}

		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return dbStore{pool: pool, drafts: drafts}, drafts, access, poolPinger{pool: pool}, nil

	case cfg.SQLitePath != "":
		drafts, err := collab.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return dbStore{drafts: drafts}, drafts, collab.AllowAll{}, drafts, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, collab.NewInMemoryStore(), collab.AllowAll{}, nil, nil
	}
}

type dbStore struct {
	pool   *pgxpool.Pool
	drafts collab.Store
}

func (s dbStore) Close(_ context.Context) error {
	var err error
	if s.drafts != nil {
		err = s.drafts.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

type poolPinger struct {
	pool *pgxpool.Pool
}

func (p poolPinger) Ping(ctx context.Context) error {
	return PingDB(ctx, p.pool, 2*time.Second)
}
