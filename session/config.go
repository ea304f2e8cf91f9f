// Package session implements BridgeSession: the single-goroutine executor
// that owns one PeerTransport plus its HandshakeEngine, FileTransferEngine,
// and state.Store, drives the connect/reconnect/heartbeat lifecycle, and
// routes inbound transport events to the right engine or surfaces them as
// application data. Grounded on the teacher lineage's endpoint session loop
// (keepalive ticker plus accept-loop-with-panic-recovery shape) generalized
// from a fixed tunnel pairing to an arbitrary-peer-count bridge session.
package session

import (
	"time"

	"github.com/steveseguin/ninjamcp/filetransfer"
	"github.com/steveseguin/ninjamcp/internal/defaults"
	"github.com/steveseguin/ninjamcp/state"
	"github.com/steveseguin/ninjamcp/transport"
)

// NewTransportFunc builds a fresh PeerTransport for a connect attempt. It is
// invoked again on every reconnect, per the "reconnect attempts rebuild
// transport" rule.
type NewTransportFunc func() transport.PeerTransport

// Config is a BridgeSession's fully-resolved, immutable configuration. A
// caller (ToolSurface, cmd/bridgesessionctl) is responsible for folding in
// any named tuning profile before constructing a Session.
type Config struct {
	ID       string
	Room     string
	Password string

	LocalStreamID  string
	TargetStreamID string // optional; View()'d on start if non-empty
	Label          string
	Capabilities   []string

	// IdleTimeoutSeconds, if set, derives HeartbeatInterval the same way
	// the teacher lineage derives its keepalive ping interval from a
	// connection's idle timeout, when HeartbeatInterval itself is unset.
	IdleTimeoutSeconds int32

	HeartbeatInterval     time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	ConnectTimeout        time.Duration
	HandshakeTimeout      time.Duration

	JoinToken          string
	JoinTokenSecret    []byte
	TokenTTL           time.Duration
	EnforceJoinToken   bool
	StreamAllowlist    []string
	RequireSessionMAC  bool
	ClockSkewTolerance time.Duration

	FileTransfer filetransfer.Config
	State        state.Config

	EventQueueCap int
}

func (c Config) normalized() Config {
	if c.HeartbeatInterval <= 0 {
		if iv := defaults.KeepaliveInterval(c.IdleTimeoutSeconds); iv > 0 {
			c.HeartbeatInterval = iv
		} else {
			c.HeartbeatInterval = 15 * time.Second
		}
	}
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.EventQueueCap <= 0 {
		c.EventQueueCap = 2000
	}
	return c
}
