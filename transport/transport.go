// Package transport defines the PeerTransport contract BridgeSession drives:
// join/announce/send against a signalling-reached room, and an asynchronous
// event stream. Two implementations live in sibling packages: transport/fake
// (an in-process room broker for deterministic tests) and transport/wsroom
// (a gorilla/websocket + yamux adapter over a real relay).
package transport

import "context"

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventConnectionFailed  EventKind = "connection_failed"
	EventError             EventKind = "error"
	EventPeerConnected     EventKind = "peer_connected"
	EventPeerDisconnected  EventKind = "peer_disconnected"
	EventDataChannelOpen   EventKind = "data_channel_open"
	EventDataChannelClose  EventKind = "data_channel_close"
	EventDataReceived      EventKind = "data_received"
)

// Event is a single tagged transport-level occurrence. Exactly the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind EventKind

	UUID     string
	StreamID string
	Detail   string

	// Data carries the DataReceived payload: either raw bytes (Bytes!=nil)
	// or an already-decoded structured object (Decoded!=nil), matching the
	// wire contract that data may arrive as bytes or as a pre-parsed
	// map[string]any.
	Bytes   []byte
	Decoded map[string]any

	// Fallback reports whether a DataReceived event arrived over a
	// degraded path (e.g. relay control channel rather than a dedicated
	// peer stream). Adapters that have no such distinction always report
	// false.
	Fallback bool
}

// ViewOptions carries optional parameters to View.
type ViewOptions struct {
	Password string
}

// PeerTransport is the thin adapter BridgeSession drives. Implementations
// must be safe for concurrent use: Events may be read by one goroutine while
// another calls SendData.
type PeerTransport interface {
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, room, password string) error
	Announce(ctx context.Context, streamID, label string) error
	View(ctx context.Context, targetStreamID string, opts ViewOptions) error
	Disconnect() error

	SendData(ctx context.Context, payload any, target string) error
	SendPing(ctx context.Context, uuid string) error

	// HasOpenDataChannel reports whether at least one data channel to uuid
	// (or to any peer, if uuid is empty) is open.
	HasOpenDataChannel(uuid string) bool

	// Events returns the channel of tagged transport events. The channel is
	// closed once the transport has fully torn down after Disconnect.
	Events() <-chan Event
}
