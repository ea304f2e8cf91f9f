package wsroom

import (
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"
	realtimews "github.com/steveseguin/ninjamcp/realtime/ws"
)

// netConn adapts a realtime/ws.Conn (one binary-message-per-Write,
// one-message-per-Read) into a net.Conn so a yamux session can multiplex
// streams over it. Partial reads are served from an internal carry-over
// buffer since yamux expects ordinary byte-stream semantics, not
// message-boundary-preserving semantics.
type netConn struct {
	c *realtimews.Conn

	readDeadline  time.Time
	writeDeadline time.Time
	carry         []byte

	localAddr  net.Addr
	remoteAddr net.Addr
}

func newNetConn(c *realtimews.Conn) *netConn {
	return &netConn{c: c, localAddr: wsAddr{}, remoteAddr: wsAddr{}}
}

type wsAddr struct{}

func (wsAddr) Network() string { return "websocket" }
func (wsAddr) String() string  { return "websocket" }

func (n *netConn) ctxFor(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (n *netConn) Read(p []byte) (int, error) {
	if len(n.carry) > 0 {
		k := copy(p, n.carry)
		n.carry = n.carry[k:]
		return k, nil
	}
	ctx, cancel := n.ctxFor(n.readDeadline)
	defer cancel()
	mt, b, err := n.c.ReadMessage(ctx)
	if err != nil {
		return 0, err
	}
	if mt != websocket.BinaryMessage {
		// Control/text frames carry no stream payload for this adapter;
		// surface them as a zero-length, non-error read so the caller
		// retries rather than treating them as a stream error.
		return 0, nil
	}
	k := copy(p, b)
	if k < len(b) {
		n.carry = append(n.carry, b[k:]...)
	}
	return k, nil
}

func (n *netConn) Write(p []byte) (int, error) {
	ctx, cancel := n.ctxFor(n.writeDeadline)
	defer cancel()
	if err := n.c.WriteMessage(ctx, websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (n *netConn) Close() error                       { return n.c.Close() }
func (n *netConn) LocalAddr() net.Addr                { return n.localAddr }
func (n *netConn) RemoteAddr() net.Addr               { return n.remoteAddr }
func (n *netConn) SetDeadline(t time.Time) error      { n.readDeadline, n.writeDeadline = t, t; return nil }
func (n *netConn) SetReadDeadline(t time.Time) error  { n.readDeadline = t; return nil }
func (n *netConn) SetWriteDeadline(t time.Time) error { n.writeDeadline = t; return nil }
