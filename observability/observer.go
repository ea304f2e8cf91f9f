// Package observability defines the metric-event interfaces BridgeSession
// and FileTransferEngine report through, following the teacher lineage's
// no-op-default / atomic-swap observer pattern (see observability/prom for a
// Prometheus-backed implementation).
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// AdmissionResult is reported when a peer's sync.hello is processed.
type AdmissionResult string

const (
	AdmissionResultOK       AdmissionResult = "ok"
	AdmissionResultRejected AdmissionResult = "rejected"
)

// AdmissionReason qualifies an AdmissionResult.
type AdmissionReason string

const (
	AdmissionReasonOK              AdmissionReason = "ok"
	AdmissionReasonPeerNotAllowed  AdmissionReason = "peer_not_allowed"
	AdmissionReasonInvalidToken    AdmissionReason = "invalid_token"
	AdmissionReasonUnenforcedToken AdmissionReason = "unenforced_token"
)

// TransferDirection distinguishes outgoing (sender) from incoming (receiver)
// file-transfer metrics.
type TransferDirection string

const (
	TransferOutgoing TransferDirection = "outgoing"
	TransferIncoming TransferDirection = "incoming"
)

// TransferOutcome is reported when a transfer leaves its active state.
type TransferOutcome string

const (
	TransferOutcomeCompleted TransferOutcome = "completed"
	TransferOutcomeFailed    TransferOutcome = "failed"
	TransferOutcomeCancelled TransferOutcome = "cancelled"
)

// SessionObserver receives BridgeSession-level metric events.
type SessionObserver interface {
	SessionCount(n int)
	PeerCount(sessionID string, n int)
	Reconnect(sessionID string)
	Admission(result AdmissionResult, reason AdmissionReason)
	MACRejected()
	EventDropped(n int)
	HeartbeatTick(sessionID string)
}

// TransferObserver receives FileTransferEngine metric events.
type TransferObserver interface {
	Started(direction TransferDirection)
	Outcome(direction TransferDirection, outcome TransferOutcome, d time.Duration)
	Retry(direction TransferDirection)
	Spooled(direction TransferDirection)
}

type noopSessionObserver struct{}

func (noopSessionObserver) SessionCount(int)                       {}
func (noopSessionObserver) PeerCount(string, int)                  {}
func (noopSessionObserver) Reconnect(string)                       {}
func (noopSessionObserver) Admission(AdmissionResult, AdmissionReason) {}
func (noopSessionObserver) MACRejected()                           {}
func (noopSessionObserver) EventDropped(int)                       {}
func (noopSessionObserver) HeartbeatTick(string)                   {}

type noopTransferObserver struct{}

func (noopTransferObserver) Started(TransferDirection)                               {}
func (noopTransferObserver) Outcome(TransferDirection, TransferOutcome, time.Duration) {}
func (noopTransferObserver) Retry(TransferDirection)                                 {}
func (noopTransferObserver) Spooled(TransferDirection)                               {}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// NoopTransferObserver is a zero-cost observer used when metrics are disabled.
var NoopTransferObserver TransferObserver = noopTransferObserver{}

// AtomicSessionObserver swaps its delegate at runtime.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct{ obs SessionObserver }

func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) SessionCount(n int)      { a.load().SessionCount(n) }
func (a *AtomicSessionObserver) PeerCount(id string, n int) { a.load().PeerCount(id, n) }
func (a *AtomicSessionObserver) Reconnect(id string)     { a.load().Reconnect(id) }
func (a *AtomicSessionObserver) Admission(result AdmissionResult, reason AdmissionReason) {
	a.load().Admission(result, reason)
}
func (a *AtomicSessionObserver) MACRejected()       { a.load().MACRejected() }
func (a *AtomicSessionObserver) EventDropped(n int) { a.load().EventDropped(n) }
func (a *AtomicSessionObserver) HeartbeatTick(id string) { a.load().HeartbeatTick(id) }

// AtomicTransferObserver swaps its delegate at runtime.
type AtomicTransferObserver struct {
	once sync.Once
	v    atomic.Value
}

type transferObserverHolder struct{ obs TransferObserver }

func NewAtomicTransferObserver() *AtomicTransferObserver {
	a := &AtomicTransferObserver{}
	a.once.Do(func() { a.v.Store(&transferObserverHolder{obs: NoopTransferObserver}) })
	return a
}

func (a *AtomicTransferObserver) Set(obs TransferObserver) {
	if obs == nil {
		obs = NoopTransferObserver
	}
	a.once.Do(func() { a.v.Store(&transferObserverHolder{obs: NoopTransferObserver}) })
	a.v.Store(&transferObserverHolder{obs: obs})
}

func (a *AtomicTransferObserver) load() TransferObserver {
	a.once.Do(func() { a.v.Store(&transferObserverHolder{obs: NoopTransferObserver}) })
	return a.v.Load().(*transferObserverHolder).obs
}

func (a *AtomicTransferObserver) Started(d TransferDirection) { a.load().Started(d) }
func (a *AtomicTransferObserver) Outcome(d TransferDirection, o TransferOutcome, dur time.Duration) {
	a.load().Outcome(d, o, dur)
}
func (a *AtomicTransferObserver) Retry(d TransferDirection)   { a.load().Retry(d) }
func (a *AtomicTransferObserver) Spooled(d TransferDirection) { a.load().Spooled(d) }
