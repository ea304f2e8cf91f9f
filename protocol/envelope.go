// Package protocol defines the on-the-wire bridge envelope: the tagged-union
// message format carried inside a data-channel payload, and its canonical
// MAC serialization.
package protocol

import "encoding/json"

// Magic identifies a bridge protocol envelope on the wire.
const Magic = "vdo_mcp_bridge_v1"

// Kind identifies the variant of a protocol envelope's payload.
type Kind string

const (
	KindSyncHello         Kind = "sync.hello"
	KindSyncHelloAck      Kind = "sync.hello_ack"
	KindSyncHeartbeat     Kind = "sync.heartbeat"
	KindSyncReject        Kind = "sync.reject"
	KindFileOffer         Kind = "file.offer"
	KindFileAccept        Kind = "file.accept"
	KindFileChunk         Kind = "file.chunk"
	KindFileAck           Kind = "file.ack"
	KindFileNack          Kind = "file.nack"
	KindFileComplete      Kind = "file.complete"
	KindFileCompleteAck   Kind = "file.complete_ack"
	KindFileResumeReq     Kind = "file.resume_req"
	KindFileResumeState   Kind = "file.resume_state"
	KindFileCancel        Kind = "file.cancel"
	KindStatePatch        Kind = "state.patch"
	KindStateSnapshotReq  Kind = "state.snapshot_req"
	KindStateSnapshot     Kind = "state.snapshot"
)

// IsSync reports whether kind belongs to the handshake/lifecycle family, which
// is exempt from session-MAC enforcement (HandshakeEngine admits peers on the
// join token instead; a sync.hello_ack is sent with a MAC once a shared key
// exists, but sync kinds are not MAC-verified on receipt).
func (k Kind) IsSync() bool {
	switch k {
	case KindSyncHello, KindSyncHelloAck, KindSyncHeartbeat, KindSyncReject:
		return true
	default:
		return false
	}
}

// Envelope is the structured object carried inside a data-channel payload
// that identifies a bridge-protocol message. Payload is left as raw JSON so
// each handler can decode only the shape it expects for its Kind, keeping the
// envelope itself free of any host/generated type.
type Envelope struct {
	Magic        string          `json:"magic"`
	Kind         Kind            `json:"kind"`
	TS           int64           `json:"ts"`
	Nonce        string          `json:"nonce"`
	Room         string          `json:"room"`
	FromStreamID string          `json:"from_stream_id"`
	Payload      json.RawMessage `json:"payload"`
	MAC          string          `json:"mac,omitempty"`
}

// Valid reports whether the envelope carries the expected magic and a
// non-empty kind.
func (e *Envelope) Valid() bool {
	return e != nil && e.Magic == Magic && e.Kind != ""
}

// LooksLikeEnvelope inspects an arbitrary decoded JSON object (as produced by
// a PeerTransport's dataReceived event) and reports whether it carries the
// envelope magic, without requiring the caller to fully unmarshal it first.
func LooksLikeEnvelope(obj map[string]any) bool {
	if obj == nil {
		return false
	}
	m, ok := obj["magic"].(string)
	return ok && m == Magic
}

// canonicalFields mirrors the MAC'd subset of Envelope in the exact field
// order the wire protocol requires: {kind, ts, nonce, room, from_stream_id,
// payload}. Go's encoding/json marshals struct fields in declaration order,
// so this struct (rather than a map) is itself the canonicalization; any
// future field must be appended here, never reordered, or interop with
// existing peers breaks.
type canonicalFields struct {
	Kind         Kind            `json:"kind"`
	TS           int64           `json:"ts"`
	Nonce        string          `json:"nonce"`
	Room         string          `json:"room"`
	FromStreamID string          `json:"from_stream_id"`
	Payload      json.RawMessage `json:"payload"`
}

// CanonicalBytes returns the canonical serialization of the MAC'd subset of
// e, used both to compute and to verify the session MAC.
func CanonicalBytes(e *Envelope) ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal(canonicalFields{
		Kind:         e.Kind,
		TS:           e.TS,
		Nonce:        e.Nonce,
		Room:         e.Room,
		FromStreamID: e.FromStreamID,
		Payload:      payload,
	})
}
