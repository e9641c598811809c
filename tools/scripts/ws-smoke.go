// Package main provides a CI-friendly WebSocket smoke test for draftsync.
//
// It validates:
//   - handshake + subprotocol selection
//   - the SyncStep1 / SyncStep2 handshake for two peers
//   - update fan-out from A to B, with both replicas converging
//   - awareness relay and removal when a peer leaves
//   - the snapshot endpoint serving the collaborative state
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	v1 "draftsync/shared/contracts/collab/v1"

	"aidanwoods.dev/go-paseto"
	"github.com/automerge/automerge-go"
	"github.com/coder/websocket"
)

const maxReadBytes = 4 << 20

type smokeClient struct {
	name string
	conn *websocket.Conn
	doc  *automerge.Doc

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		base    = flag.String("url", "ws://127.0.0.1:8080", "Server base URL (ws or wss)")
		docID   = flag.String("doc", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "Draft ID to collaborate on")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", os.Getenv("DRAFTSYNC_SMOKE_TOKEN"), "Access token (minted from DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX when empty)")
		text    = flag.String("text", "hello draftsync", "Text written by peer A")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*base); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	if *token == "" {
		minted, err := mintToken(os.Getenv("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX"), envOr("DRAFTSYNC_AUTH_ISSUER", "draftsync"))
		if err != nil && *verbose {
			fmt.Printf("no token: %v\n", err)
		}
		*token = minted
	}

	wsURL := strings.TrimSuffix(*base, "/") + "/drafts/" + url.PathEscape(*docID) + "/ws"
	root := context.Background()

	a := mustConnect(root, "A", wsURL, *origin, *token, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, *token, *timeout)
	defer closeWS(b.conn)

	mustHandshake(root, a, *timeout)
	mustHandshake(root, b, *timeout)
	if *verbose {
		fmt.Printf("synced: doc=%s origin=%q\n", *docID, *origin)
	}

	mustEditAndFanout(root, a, b, *text, *timeout)
	if *verbose {
		fmt.Printf("converged: heads=%v\n", sortedHeads(b.doc))
	}

	mustAwareness(root, a, b, *timeout)

	closeWS(a.conn)
	mustAwarenessRemoved(root, b, *timeout)

	mustSnapshot(root, *base, *docID, *token, *timeout)

	fmt.Println("OK: draftsync smoke passed")
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mintToken(secretHex, issuer string) (string, error) {
	if strings.TrimSpace(secretHex) == "" {
		return "", errors.New("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX not set")
	}
	sk, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretHex))
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(5 * time.Minute))
	_ = tok.Set("uid", "smoke")
	return tok.V4Sign(sk, nil), nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		doc:   automerge.New(),
		inbox: make(chan v1.Frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		for {
			typ, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if typ != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unexpected message type %v", typ):
				default:
				}
				return
			}
			f, err := v1.Decode(data)
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			c.inbox <- f
		}
	}()
}

func (c *smokeClient) mustRead(parent context.Context, want v1.Kind, stepTimeout time.Duration) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("read %s: %v", c.name, err)
		case f := <-c.inbox:
			if f.Kind == want {
				return f
			}
			// Awareness may interleave with sync traffic.
			if f.Kind == v1.KindAwareness {
				continue
			}
			fatalf("unexpected %s while waiting for %s (%s)", f.Kind, want, c.name)
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, f v1.Frame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, f.Encode()); err != nil {
		fatalf("write %s (%s): %v", f.Kind, c.name, err)
	}
}

func (c *smokeClient) mustApply(payload []byte) {
	if len(payload) == 0 {
		return
	}
	changes, err := automerge.LoadChanges(payload)
	if err != nil {
		fatalf("decode update (%s): %v", c.name, err)
	}
	if err := c.doc.Apply(changes...); err != nil {
		fatalf("apply update (%s): %v", c.name, err)
	}
}

func mustHandshake(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.SyncStep1(stateVector(c.doc)), stepTimeout)

	step2 := c.mustRead(parent, v1.KindSyncStep2, stepTimeout)
	c.mustApply(step2.Payload)

	// The server asks for whatever it is missing; reply with everything this replica has.
	c.mustRead(parent, v1.KindSyncStep1, stepTimeout)
	changes, err := c.doc.Changes()
	if err != nil {
		fatalf("changes (%s): %v", c.name, err)
	}
	c.mustWrite(parent, v1.SyncStep2(automerge.SaveChanges(changes)), stepTimeout)
}

func mustEditAndFanout(parent context.Context, a, b *smokeClient, text string, stepTimeout time.Duration) {
	before := a.doc.Heads()
	if err := a.doc.Path("smoke").Set(text); err != nil {
		fatalf("edit A: %v", err)
	}
	changes, err := a.doc.Changes(before...)
	if err != nil {
		fatalf("changes A: %v", err)
	}
	if len(changes) == 0 {
		fatalf("edit produced no changes")
	}
	a.mustWrite(parent, v1.Update(automerge.SaveChanges(changes)), stepTimeout)

	u := b.mustRead(parent, v1.KindUpdate, stepTimeout)
	b.mustApply(u.Payload)

	if got, want := sortedHeads(b.doc), sortedHeads(a.doc); strings.Join(got, ",") != strings.Join(want, ",") {
		fatalf("replicas diverged: A=%v B=%v", want, got)
	}
}

func mustAwareness(parent context.Context, a, b *smokeClient, stepTimeout time.Duration) {
	state := []byte(`{"user":"smoke","cursor":0}`)
	a.mustWrite(parent, v1.Frame{Kind: v1.KindAwareness, Payload: state}, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for awareness relay")
		case err := <-b.errCh:
			fatalf("read B: %v", err)
		case f := <-b.inbox:
			if f.Kind != v1.KindAwareness {
				continue
			}
			e, err := v1.DecodeAwareness(f.Payload)
			if err != nil {
				fatalf("decode awareness: %v", err)
			}
			if string(e.State) == string(state) {
				return
			}
		}
	}
}

func mustAwarenessRemoved(parent context.Context, b *smokeClient, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for awareness removal")
		case err := <-b.errCh:
			fatalf("read B: %v", err)
		case f := <-b.inbox:
			if f.Kind != v1.KindAwareness {
				continue
			}
			e, err := v1.DecodeAwareness(f.Payload)
			if err != nil {
				fatalf("decode awareness: %v", err)
			}
			if e.Removed() {
				return
			}
		}
	}
}

func mustSnapshot(parent context.Context, base, docID, token string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	httpBase := strings.Replace(strings.Replace(base, "wss://", "https://", 1), "ws://", "http://", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(httpBase, "/")+"/drafts/"+url.PathEscape(docID)+"/snapshot", nil)
	if err != nil {
		fatalf("snapshot request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("snapshot: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fatalf("snapshot status=%d body=%q", resp.StatusCode, body)
	}
	if _, err := automerge.Load(body); err != nil {
		fatalf("snapshot is not a loadable document: %v", err)
	}
}

func stateVector(doc *automerge.Doc) []byte {
	var out []byte
	for _, h := range doc.Heads() {
		out = append(out, h[:]...)
	}
	return out
}

func sortedHeads(doc *automerge.Doc) []string {
	heads := doc.Heads()
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
