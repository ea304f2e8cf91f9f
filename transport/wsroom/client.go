package wsroom

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/hashicorp/yamux"
	realtimews "github.com/steveseguin/ninjamcp/realtime/ws"
	"github.com/steveseguin/ninjamcp/internal/wsutil"
	"github.com/steveseguin/ninjamcp/transport"
)

const eventBufferSize = 256

// Dialer configures a Transport's connection to a relay endpoint.
type Dialer struct {
	URL    string
	Header http.Header
}

// Transport is the real PeerTransport adapter over a room-relay websocket,
// multiplexed with yamux. A peer's "uuid" is its self-announced stream id:
// this transport has no independent signalling identity to distinguish
// them, the same simplification transport/fake makes.
type Transport struct {
	dialer Dialer

	mu       sync.Mutex
	sess     *yamux.Session
	rawConn  *netConn
	room     string
	password string
	streamID string
	ctrl     net.Conn
	peers    map[string]net.Conn // remote stream id -> open stream
	closed   bool

	events chan transport.Event
}

// New returns a Transport that will dial d on Connect.
func New(d Dialer) *Transport {
	return &Transport{dialer: d, peers: make(map[string]net.Conn), events: make(chan transport.Event, eventBufferSize)}
}

func (t *Transport) emit(e transport.Event) {
	select {
	case t.events <- e:
	default:
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	conn, _, err := realtimews.Dial(ctx, t.dialer.URL, realtimews.DialOptions{Header: t.dialer.Header})
	if err != nil {
		t.emit(transport.Event{Kind: transport.EventConnectionFailed, Detail: err.Error()})
		return err
	}
	conn.SetReadLimit(wsutil.ReadLimit(maxPrefaceBytes, maxDataFrameBytes))
	nc := newNetConn(conn)
	sess, err := yamux.Client(nc, yamux.DefaultConfig())
	if err != nil {
		_ = nc.Close()
		t.emit(transport.Event{Kind: transport.EventConnectionFailed, Detail: err.Error()})
		return err
	}
	t.mu.Lock()
	t.rawConn = nc
	t.sess = sess
	t.mu.Unlock()
	t.emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (t *Transport) JoinRoom(ctx context.Context, room, password string) error {
	t.mu.Lock()
	if t.sess == nil {
		t.mu.Unlock()
		return errors.New("wsroom: not connected")
	}
	t.room = room
	t.password = password
	t.mu.Unlock()
	return nil
}

func (t *Transport) Announce(ctx context.Context, streamID, label string) error {
	t.mu.Lock()
	sess := t.sess
	room := t.room
	if sess == nil || room == "" {
		t.mu.Unlock()
		return errors.New("wsroom: not joined")
	}
	t.streamID = streamID
	t.mu.Unlock()

	ctrl, err := sess.Open()
	if err != nil {
		return err
	}
	if err := writePreface(ctrl, preface{Room: room, StreamID: streamID}); err != nil {
		_ = ctrl.Close()
		return err
	}
	t.mu.Lock()
	t.ctrl = ctrl
	t.mu.Unlock()

	go t.acceptLoop(sess)
	return nil
}

func (t *Transport) acceptLoop(sess *yamux.Session) {
	for {
		stream, err := sess.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.emit(transport.Event{Kind: transport.EventDisconnected})
			}
			return
		}
		go t.handleInboundStream(stream)
	}
}

func (t *Transport) handleInboundStream(stream net.Conn) {
	pre, err := readPreface(stream)
	if err != nil {
		_ = stream.Close()
		return
	}
	t.mu.Lock()
	t.peers[pre.StreamID] = stream
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventPeerConnected, UUID: pre.StreamID, StreamID: pre.StreamID})
	t.emit(transport.Event{Kind: transport.EventDataChannelOpen, UUID: pre.StreamID, StreamID: pre.StreamID})

	for {
		b, err := readFrame(stream)
		if err != nil {
			t.mu.Lock()
			if t.peers[pre.StreamID] == stream {
				delete(t.peers, pre.StreamID)
			}
			t.mu.Unlock()
			t.emit(transport.Event{Kind: transport.EventPeerDisconnected, UUID: pre.StreamID, StreamID: pre.StreamID})
			t.emit(transport.Event{Kind: transport.EventDataChannelClose, UUID: pre.StreamID, StreamID: pre.StreamID})
			return
		}
		var decoded map[string]any
		if json.Unmarshal(b, &decoded) == nil {
			t.emit(transport.Event{Kind: transport.EventDataReceived, UUID: pre.StreamID, StreamID: pre.StreamID, Decoded: decoded})
		} else {
			t.emit(transport.Event{Kind: transport.EventDataReceived, UUID: pre.StreamID, StreamID: pre.StreamID, Bytes: b})
		}
	}
}

func (t *Transport) View(ctx context.Context, targetStreamID string, opts transport.ViewOptions) error {
	// Lazy per-target streams are opened on first SendData; View is only a
	// hint in this adapter, same as in transport/fake.
	return nil
}

func (t *Transport) streamTo(target string) (net.Conn, error) {
	t.mu.Lock()
	if s, ok := t.peers[target]; ok {
		t.mu.Unlock()
		return s, nil
	}
	sess := t.sess
	room := t.room
	from := t.streamID
	t.mu.Unlock()
	if sess == nil {
		return nil, errors.New("wsroom: not connected")
	}
	stream, err := sess.Open()
	if err != nil {
		return nil, err
	}
	if err := writePreface(stream, preface{Room: room, StreamID: from, TargetStreamID: target}); err != nil {
		_ = stream.Close()
		return nil, err
	}
	t.mu.Lock()
	t.peers[target] = stream
	t.mu.Unlock()
	t.emit(transport.Event{Kind: transport.EventDataChannelOpen, UUID: target, StreamID: target})
	return stream, nil
}

func (t *Transport) SendData(ctx context.Context, payload any, target string) error {
	if target == "" {
		return errors.New("wsroom: broadcast send is not supported, a target stream id is required")
	}
	stream, err := t.streamTo(target)
	if err != nil {
		return err
	}
	switch v := payload.(type) {
	case []byte:
		return writeFrame(stream, v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return writeFrame(stream, b)
	}
}

func (t *Transport) SendPing(ctx context.Context, uuid string) error {
	return nil
}

func (t *Transport) HasOpenDataChannel(uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uuid == "" {
		return len(t.peers) > 0
	}
	_, ok := t.peers[uuid]
	return ok
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, s := range t.peers {
		_ = s.Close()
	}
	t.peers = nil
	if t.ctrl != nil {
		_ = t.ctrl.Close()
	}
	sess := t.sess
	conn := t.rawConn
	t.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.emit(transport.Event{Kind: transport.EventDisconnected})
	close(t.events)
	return nil
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}
