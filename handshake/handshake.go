// Package handshake implements per-peer admission, X25519 key agreement,
// join-token issuance/verification, and session-MAC compute/verify for a
// bridge session, per the peer handshake state machine.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/protocol"
)

// PeerState is the handshake state of a single remote peer.
type PeerState string

const (
	PeerDiscovered    PeerState = "discovered"
	PeerHelloReceived PeerState = "hello_received"
	PeerReady         PeerState = "ready"
	PeerRejected      PeerState = "rejected"
)

// Peer records per-remote-uuid handshake state.
type Peer struct {
	UUID         string
	StreamID     string
	State        PeerState
	AuthOK       bool
	RejectReason string
	SharedKey    []byte
	Capabilities []string
	TokenPayload *JoinTokenPayload
}

// Config is the immutable handshake configuration for a session.
type Config struct {
	Room             string
	LocalStreamID    string
	JoinToken        string // opaque, used verbatim if set
	JoinTokenSecret  []byte // used to mint tokens when JoinToken is empty
	TokenTTL         time.Duration
	EnforceJoinToken bool
	StreamAllowlist  []string
	RequireSessionMAC bool
	Capabilities     []string
	ClockSkewTolerance time.Duration
}

func (c Config) allowed(streamID string) bool {
	if len(c.StreamAllowlist) == 0 {
		return true
	}
	for _, s := range c.StreamAllowlist {
		if s == streamID {
			return true
		}
	}
	return false
}

// Engine owns per-peer handshake state for one session.
type Engine struct {
	cfg     Config
	keys    KeyPair
	peers   map[string]*Peer
	obs     observability.SessionObserver
	nowUnix func() int64
}

// NewEngine returns an Engine with a freshly generated local X25519 key
// pair. obs may be nil, in which case metrics are dropped.
func NewEngine(cfg Config, obs observability.SessionObserver) (*Engine, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, errclass.Wrap(errclass.PathHandshake, errclass.StageConnect, errclass.CodeInternal, err)
	}
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	return &Engine{
		cfg:     cfg,
		keys:    kp,
		peers:   make(map[string]*Peer),
		obs:     obs,
		nowUnix: func() int64 { return time.Now().Unix() },
	}, nil
}

// Peer returns the tracked peer state, creating a fresh "discovered" entry
// on first observation.
func (e *Engine) Peer(uuid string) *Peer {
	p, ok := e.peers[uuid]
	if !ok {
		p = &Peer{UUID: uuid, State: PeerDiscovered}
		e.peers[uuid] = p
	}
	return p
}

// Peers returns every peer this engine has ever observed, admitted or
// rejected, in no particular order.
func (e *Engine) Peers() []*Peer {
	out := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

// BuildHello constructs the local sync.hello payload: advertised
// capabilities, the local X25519 public key, and a join token (verbatim
// configured token, or freshly minted from the configured secret).
func (e *Engine) BuildHello() (protocol.HelloPayload, error) {
	token := e.cfg.JoinToken
	if token == "" && len(e.cfg.JoinTokenSecret) > 0 {
		ttl := e.cfg.TokenTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		minted, err := MintJoinToken(e.cfg.JoinTokenSecret, JoinTokenPayload{
			Room:     e.cfg.Room,
			StreamID: e.cfg.LocalStreamID,
			Exp:      e.nowUnix() + int64(ttl/time.Second),
			Nonce:    hex.EncodeToString(randomNonce()),
		})
		if err != nil {
			return protocol.HelloPayload{}, errclass.Wrap(errclass.PathHandshake, errclass.StageValidate, errclass.CodeInternal, err)
		}
		token = minted
	}
	return protocol.HelloPayload{
		Capabilities: e.cfg.Capabilities,
		PublicKey:    e.keys.PublicKeyBase64(),
		JoinToken:    token,
	}, nil
}

// AdmissionOutcome reports the result of AdmitHello.
type AdmissionOutcome struct {
	Accepted bool
	Reason   string // non-empty only when !Accepted
}

// AdmitHello processes a sync.hello (or hello_ack) from peerUUID/streamID,
// in state-machine order: allowlist check, join-token validation, shared
// key derivation, state transition. The caller is responsible for sending
// sync.reject on a rejected outcome and sync.hello_ack on acceptance.
func (e *Engine) AdmitHello(peerUUID, streamID string, hello protocol.HelloPayload) AdmissionOutcome {
	p := e.Peer(peerUUID)
	p.StreamID = streamID

	if !e.cfg.allowed(streamID) {
		p.State = PeerRejected
		p.RejectReason = "peer_not_allowed"
		e.obs.Admission(observability.AdmissionResultRejected, observability.AdmissionReasonPeerNotAllowed)
		return AdmissionOutcome{Accepted: false, Reason: p.RejectReason}
	}

	mustEnforce := e.cfg.EnforceJoinToken || len(e.cfg.JoinTokenSecret) > 0
	if mustEnforce {
		if hello.JoinToken == "" || len(e.cfg.JoinTokenSecret) == 0 {
			if e.cfg.EnforceJoinToken {
				p.State = PeerRejected
				p.RejectReason = "invalid_token"
				e.obs.Admission(observability.AdmissionResultRejected, observability.AdmissionReasonInvalidToken)
				return AdmissionOutcome{Accepted: false, Reason: p.RejectReason}
			}
			p.AuthOK = false
			e.obs.Admission(observability.AdmissionResultOK, observability.AdmissionReasonUnenforcedToken)
		} else {
			payload, err := VerifyJoinToken(e.cfg.JoinTokenSecret, hello.JoinToken, e.cfg.Room, streamID, e.nowUnix(), e.cfg.ClockSkewTolerance)
			if err != nil {
				if e.cfg.EnforceJoinToken {
					p.State = PeerRejected
					p.RejectReason = "invalid_token"
					e.obs.Admission(observability.AdmissionResultRejected, observability.AdmissionReasonInvalidToken)
					return AdmissionOutcome{Accepted: false, Reason: p.RejectReason}
				}
				p.AuthOK = false
				e.obs.Admission(observability.AdmissionResultOK, observability.AdmissionReasonUnenforcedToken)
			} else {
				p.AuthOK = true
				p.TokenPayload = &payload
				e.obs.Admission(observability.AdmissionResultOK, observability.AdmissionReasonOK)
			}
		}
	} else {
		p.AuthOK = false
		e.obs.Admission(observability.AdmissionResultOK, observability.AdmissionReasonOK)
	}

	p.Capabilities = hello.Capabilities
	if hello.PublicKey != "" {
		if key, err := e.keys.DeriveSharedMACKey(hello.PublicKey); err == nil {
			p.SharedKey = key
		}
	}
	if p.State != PeerReady {
		p.State = PeerHelloReceived
	}
	p.State = PeerReady
	return AdmissionOutcome{Accepted: true}
}

// SharedKeyReady reports whether peerUUID has a derived MAC key.
func (e *Engine) SharedKeyReady(peerUUID string) bool {
	p, ok := e.peers[peerUUID]
	return ok && len(p.SharedKey) == 32
}

// MAC computes hex(HMAC-SHA256(sharedKey, canonical(envelope))) for an
// envelope about to be sent to peerUUID. Returns ("", false) if no
// shared key is available.
func (e *Engine) MAC(peerUUID string, env *protocol.Envelope) (string, bool) {
	p, ok := e.peers[peerUUID]
	if !ok || len(p.SharedKey) != 32 {
		return "", false
	}
	b, err := protocol.CanonicalBytes(env)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, p.SharedKey)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), true
}

// VerifyMAC checks env's MAC against peerUUID's shared key, honoring
// RequireSessionMAC: an unset MAC is rejected only when enforcement is on;
// a present MAC must match exactly.
func (e *Engine) VerifyMAC(peerUUID string, env *protocol.Envelope) error {
	p, ok := e.peers[peerUUID]
	if env.MAC == "" {
		if e.cfg.RequireSessionMAC {
			return errclass.Wrap(errclass.PathHandshake, errclass.StageMAC, errclass.CodeMACMissing, nil)
		}
		return nil
	}
	if !ok || len(p.SharedKey) != 32 {
		return errclass.Wrap(errclass.PathHandshake, errclass.StageMAC, errclass.CodeNoSharedKey, nil)
	}
	want, _ := e.MAC(peerUUID, env)
	got := env.MAC
	if !hmac.Equal([]byte(want), []byte(got)) {
		e.obs.MACRejected()
		return errclass.Wrap(errclass.PathHandshake, errclass.StageMAC, errclass.CodeMACMismatch, nil)
	}
	return nil
}
