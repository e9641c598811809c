package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"
)

// Transport is the duplex message channel a Link runs on. One message carries exactly one frame.
//
// Recv returns io.EOF (or a wrapped close error) when the remote side closed cleanly.
// Close is idempotent; cause selects the close code reported to the remote side.
type Transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, msg []byte) error
	Close(cause error) error
}

// wsTransport adapts a coder/websocket connection. Only binary messages carry frames.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: unsupported message type %v", ErrMalformedFrame, mt)
	}
	return data, nil
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, msg)
}

func (t *wsTransport) Close(cause error) error {
	code, reason := closeStatusFor(cause)
	err := t.conn.Close(code, reason)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// closeStatusFor maps a link close cause to a websocket close code.
// 1006 (abnormal closure) cannot be sent on the wire, so transport-level failures report going away.
func closeStatusFor(cause error) (websocket.StatusCode, string) {
	switch {
	case cause == nil, errors.Is(cause, ErrPeerClosed):
		return websocket.StatusNormalClosure, "bye"
	case errors.Is(cause, ErrMalformedFrame):
		return websocket.StatusUnsupportedData, "malformed frame"
	case errors.Is(cause, ErrProtocol), errors.Is(cause, ErrBadUpdate), errors.Is(cause, ErrBadStateVector):
		return websocket.StatusProtocolError, "protocol error"
	case errors.Is(cause, ErrRateLimited):
		return websocket.StatusPolicyViolation, "rate limited"
	case errors.Is(cause, ErrQueueFull):
		return websocket.StatusTryAgainLater, "too slow"
	case errors.Is(cause, ErrShuttingDown):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(cause, ErrHeartbeat):
		return websocket.StatusGoingAway, "heartbeat failed"
	default:
		return websocket.StatusGoingAway, "connection failed"
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrMalformed
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, ErrMalformedFrame) {
		return readErrMalformed
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) {
		return readErrConnClosed
	}
	return readErrUnknown
}
