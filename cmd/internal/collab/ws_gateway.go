package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"draftsync/cmd/internal/auth/session"
	v1 "draftsync/shared/contracts/collab/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsCloseGrace = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

	anonymousUserID = "anonymous"
)

// WSGateway is the websocket entrypoint for draft collaboration.
//
// It enforces origin policy, authentication, authorization and subprotocol selection, resolves the draft's
// Session through the Registry and hands the connection to a Link.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	tokens   session.AccessTokenVerifier
	access   Authorizer

	requireAuth bool

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int
	maxFrameBytes   int64

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults read from DRAFTSYNC_WS_* variables.
//
// tokens may be nil only when DRAFTSYNC_REQUIRE_AUTH=false. A nil access falls back to AllowAll.
func NewWSGateway(log *slog.Logger, registry *Registry, tokens session.AccessTokenVerifier, access Authorizer) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log, NewInMemoryStore())
	}
	if access == nil {
		log.Warn("ws.access.allow_all")
		access = AllowAll{}
	}

	g := &WSGateway{log: log, registry: registry, tokens: tokens, access: access}

	g.requireAuth = envBoolWS("DRAFTSYNC_REQUIRE_AUTH", true)

	// NOTE: InsecureSkipVerify is a dev-only knob. It disables websocket.Accept's origin verification.
	g.devInsecure = envBoolWS("DRAFTSYNC_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("DRAFTSYNC_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("DRAFTSYNC_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("DRAFTSYNC_WS_WRITE_TIMEOUT", defaultWriteTimeout)
	// Liveness comes from the heartbeat; an idle deadline would disconnect readers that never type.
	g.readIdleTimeout = envDurationWS("DRAFTSYNC_WS_READ_IDLE_TIMEOUT", 0)

	g.sendQueueSize = envIntWS("DRAFTSYNC_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}
	g.maxFrameBytes = int64(envIntWS("DRAFTSYNC_WS_MAX_FRAME_BYTES", maxFrameBytes))

	g.heartbeatEvery = envDurationWS("DRAFTSYNC_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("DRAFTSYNC_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("DRAFTSYNC_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("DRAFTSYNC_WS_RATE_WINDOW", rateLimitWindow)

	if g.requireAuth && g.tokens == nil {
		log.Error("ws.auth.misconfigured", "err", "auth required but no token verifier configured")
	}

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler. Mount it on a pattern with an {id} wildcard.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades GET /drafts/{id}/ws to a collaboration session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	documentID, userID, ok := g.authorize(w, r)
	if !ok {
		return
	}

	// Resolve the Session before upgrading so load failures are reported as HTTP errors.
	s, err := g.registry.Acquire(r.Context(), documentID)
	if err != nil {
		status := acquireStatus(err)
		g.log.Warn("ws.reject.session", "document_id", documentID, "status", status, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if err := g.registry.Release(context.WithoutCancel(r.Context()), s); err != nil {
				g.log.Error("ws.release.fail", "document_id", documentID, "err", err)
			}
		})
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "document_id", documentID, "err", err)
		release()
		return
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		release()
		return
	}

	conn.SetReadLimit(g.maxFrameBytes)

	peerID, err := NewConnectionID(time.Now())
	if err != nil {
		g.log.Error("ws.peer_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		release()
		return
	}
	peer := NewPeer(peerID, userID, g.sendQueueSize)

	link := NewLink(g.log, s, peer, newWSTransport(conn), LinkConfig{
		WriteTimeout:    g.writeTimeout,
		ReadIdleTimeout: g.readIdleTimeout,
		RateEvents:      g.rateEvents,
		RateWindow:      g.rateWindow,
	}, release)

	g.log.Info("ws.session.start", "document_id", documentID, "peer_id", peerID, "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, link, peer)
	}()

	err = link.Run(ctx)
	cancel()

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Info("ws.session.end", "document_id", documentID, "peer_id", peerID, "err", err)
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, link *Link, peer *Peer) {
	if g.heartbeatEvery <= 0 {
		return
	}
	timeout := g.heartbeatTimeout
	if timeout <= 0 {
		timeout = heartbeatTimeout
	}

	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-peer.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "peer_id", peer.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					g.registry.Metrics().PeersDropped.WithLabelValues("heartbeat").Inc()
					link.Close(ErrHeartbeat)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// HandleSnapshot serves GET /drafts/{id}/snapshot: the live Session's state when the draft is open,
// otherwise the stored state.
func (g *WSGateway) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	documentID, _, ok := g.authorize(w, r)
	if !ok {
		return
	}

	state, found, err := g.registry.LoadSnapshot(r.Context(), documentID)
	if err != nil {
		g.log.Error("snapshot.load.fail", "document_id", documentID, "err", err)
		http.Error(w, "draft unavailable", http.StatusServiceUnavailable)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(state)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(state)
}

// authorize resolves the draft id and principal of r and checks access. On failure it writes the HTTP
// error and reports false.
func (g *WSGateway) authorize(w http.ResponseWriter, r *http.Request) (documentID, userID string, ok bool) {
	documentID = strings.TrimSpace(r.PathValue("id"))
	if documentID == "" || len(documentID) > maxDocumentIDBytes {
		http.Error(w, "invalid draft id", http.StatusBadRequest)
		return "", "", false
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "document_id", documentID, "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}

	allowed, err := g.access.CanEdit(r.Context(), userID, documentID)
	if err != nil {
		g.log.Error("ws.access.fail", "document_id", documentID, "user_id", userID, "err", err)
		http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		return "", "", false
	}
	if !allowed {
		g.log.Info("ws.reject.access", "document_id", documentID, "user_id", userID)
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", "", false
	}
	return documentID, userID, true
}

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		if g.requireAuth {
			return "", errors.New("missing access token")
		}
		return anonymousUserID, nil
	}
	if g.tokens == nil {
		if g.requireAuth {
			return "", errors.New("token verification not configured")
		}
		return anonymousUserID, nil
	}

	claims, err := g.tokens.Verify(raw, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// bearerToken reads the Authorization header, falling back to the access_token query parameter
// (browsers cannot set headers on websocket handshakes).
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func acquireStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDocumentID):
		return http.StatusBadRequest
	case errors.Is(err, ErrBadSnapshot):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin check in agreement with
// enforceOrigin: only hosts from the allowlist are accepted.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// envDurationWS accepts "0" to disable a timeout; negative or malformed values keep def.
func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
