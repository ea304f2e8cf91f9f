// Package fake implements an in-process PeerTransport room broker: a single
// registry of named rooms, each holding the stream ids currently joined.
// SendData delivers synchronously to the target's event channel. This is the
// transport the bundled end-to-end tests and cmd/bridgesessionctl run
// against; there is no network, no signalling relay, and no data-channel
// negotiation delay.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/steveseguin/ninjamcp/transport"
)

// Broker is a process-wide registry of rooms. The zero value is not usable;
// construct with NewBroker.
type Broker struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu    sync.Mutex
	peers map[string]*Transport // keyed by stream id
}

// NewBroker returns an empty room registry.
func NewBroker() *Broker {
	return &Broker{rooms: make(map[string]*room)}
}

func (b *Broker) roomFor(name string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[name]
	if !ok {
		r = &room{peers: make(map[string]*Transport)}
		b.rooms[name] = r
	}
	return r
}

// eventBufferSize bounds the per-transport event channel. The fake transport
// delivers synchronously from the caller's goroutine, so this only needs to
// absorb a burst faster than the session executor drains it.
const eventBufferSize = 256

// Transport is one peer's fake connection into a Broker-managed room. In
// this transport a peer's "uuid" and its stream id are the same string: the
// fake broker has no separate signalling identity to distinguish them.
type Transport struct {
	broker *Broker

	mu        sync.Mutex
	room      *room
	roomName  string
	streamID  string
	label     string
	connected bool
	joined    bool
	closed    bool
	// openPeers tracks which remote stream ids this transport currently
	// considers to have an open data channel (every announced peer in the
	// same room, in the fake transport).
	openPeers map[string]bool

	events chan transport.Event
}

// New returns a Transport joined to broker's registry. Connect/JoinRoom/
// Announce must still be called before SendData will reach any peer.
func New(broker *Broker) *Transport {
	return &Transport{broker: broker, openPeers: make(map[string]bool), events: make(chan transport.Event, eventBufferSize)}
}

func (t *Transport) emit(e transport.Event) {
	select {
	case t.events <- e:
	default:
		// Never block the caller's goroutine on a stalled reader; a full
		// buffer here means the session executor has stopped draining
		// events, which only happens during teardown.
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (t *Transport) JoinRoom(ctx context.Context, roomName, password string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("fake: not connected")
	}
	t.roomName = roomName
	t.room = t.broker.roomFor(roomName)
	t.joined = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Announce(ctx context.Context, streamID, label string) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return errors.New("fake: not joined")
	}
	t.streamID = streamID
	t.label = label
	r := t.room
	t.mu.Unlock()

	r.mu.Lock()
	r.peers[streamID] = t
	var peers []*Transport
	for id, p := range r.peers {
		if id != streamID {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		t.mu.Lock()
		t.openPeers[p.streamIDLocked()] = true
		t.mu.Unlock()
		p.mu.Lock()
		p.openPeers[streamID] = true
		p.mu.Unlock()

		t.emit(transport.Event{Kind: transport.EventPeerConnected, UUID: p.streamIDLocked(), StreamID: p.streamIDLocked()})
		p.emit(transport.Event{Kind: transport.EventPeerConnected, UUID: streamID, StreamID: streamID})
		t.emit(transport.Event{Kind: transport.EventDataChannelOpen, UUID: p.streamIDLocked(), StreamID: p.streamIDLocked()})
		p.emit(transport.Event{Kind: transport.EventDataChannelOpen, UUID: streamID, StreamID: streamID})
	}
	return nil
}

func (t *Transport) streamIDLocked() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

func (t *Transport) View(ctx context.Context, targetStreamID string, opts transport.ViewOptions) error {
	t.mu.Lock()
	r := t.room
	t.mu.Unlock()
	if r == nil {
		return errors.New("fake: not joined")
	}
	r.mu.Lock()
	target, ok := r.peers[targetStreamID]
	r.mu.Unlock()
	if !ok {
		// Peer not present yet; View is a hint, not an error, in the fake
		// transport, matching that a real relay may still be dialing out.
		return nil
	}
	t.mu.Lock()
	t.openPeers[targetStreamID] = true
	t.mu.Unlock()
	target.mu.Lock()
	target.openPeers[t.streamID] = true
	me := t.streamID
	target.mu.Unlock()
	target.emit(transport.Event{Kind: transport.EventPeerConnected, UUID: me, StreamID: me})
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	r := t.room
	streamID := t.streamID
	t.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		delete(r.peers, streamID)
		var peers []*Transport
		for _, p := range r.peers {
			peers = append(peers, p)
		}
		r.mu.Unlock()
		for _, p := range peers {
			p.emit(transport.Event{Kind: transport.EventPeerDisconnected, UUID: streamID, StreamID: streamID})
			p.emit(transport.Event{Kind: transport.EventDataChannelClose, UUID: streamID, StreamID: streamID})
		}
	}
	t.emit(transport.Event{Kind: transport.EventDisconnected})
	close(t.events)
	return nil
}

func (t *Transport) SendData(ctx context.Context, payload any, target string) error {
	t.mu.Lock()
	r := t.room
	closed := t.closed
	from := t.streamID
	t.mu.Unlock()
	if closed {
		return errors.New("fake: transport closed")
	}
	if r == nil {
		return errors.New("fake: not joined")
	}

	var decoded map[string]any
	var raw []byte
	switch v := payload.(type) {
	case []byte:
		raw = v
	case map[string]any:
		decoded = v
	default:
		return errors.New("fake: unsupported payload type")
	}

	r.mu.Lock()
	var targets []*Transport
	if target != "" {
		if p, ok := r.peers[target]; ok {
			targets = append(targets, p)
		}
	} else {
		for id, p := range r.peers {
			if id != from {
				targets = append(targets, p)
			}
		}
	}
	r.mu.Unlock()

	if target != "" && len(targets) == 0 {
		return errors.New("fake: unknown target peer")
	}
	for _, p := range targets {
		p.emit(transport.Event{Kind: transport.EventDataReceived, UUID: from, StreamID: from, Bytes: raw, Decoded: decoded})
	}
	return nil
}

func (t *Transport) SendPing(ctx context.Context, uuid string) error {
	return nil
}

func (t *Transport) HasOpenDataChannel(uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uuid == "" {
		return len(t.openPeers) > 0
	}
	return t.openPeers[uuid]
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}
