// Package prom exports bridge observability events to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/steveseguin/ninjamcp/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports BridgeSession metrics to Prometheus.
type SessionObserver struct {
	sessionGauge   prometheus.Gauge
	peerGauge      *prometheus.GaugeVec
	reconnectTotal *prometheus.CounterVec
	admissionTotal *prometheus.CounterVec
	macRejected    prometheus.Counter
	eventsDropped  prometheus.Counter
	heartbeatTicks *prometheus.CounterVec
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sessions",
			Help: "Current active bridge session count.",
		}),
		peerGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_session_peers",
			Help: "Current peer count per session.",
		}, []string{"session_id"}),
		reconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_reconnects_total",
			Help: "Reconnect attempts per session.",
		}, []string{"session_id"}),
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_handshake_admission_total",
			Help: "Peer admission outcomes by result and reason.",
		}, []string{"result", "reason"}),
		macRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_session_mac_rejected_total",
			Help: "Envelopes dropped for missing/invalid session MAC.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Events dropped from a full event queue.",
		}),
		heartbeatTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_heartbeat_ticks_total",
			Help: "Heartbeat ticks per session.",
		}, []string{"session_id"}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.peerGauge,
		o.reconnectTotal,
		o.admissionTotal,
		o.macRejected,
		o.eventsDropped,
		o.heartbeatTicks,
	)
	return o
}

func (o *SessionObserver) SessionCount(n int) { o.sessionGauge.Set(float64(n)) }

func (o *SessionObserver) PeerCount(sessionID string, n int) {
	o.peerGauge.WithLabelValues(sessionID).Set(float64(n))
}

func (o *SessionObserver) Reconnect(sessionID string) {
	o.reconnectTotal.WithLabelValues(sessionID).Inc()
}

func (o *SessionObserver) Admission(result observability.AdmissionResult, reason observability.AdmissionReason) {
	o.admissionTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *SessionObserver) MACRejected() { o.macRejected.Inc() }

func (o *SessionObserver) EventDropped(n int) { o.eventsDropped.Add(float64(n)) }

func (o *SessionObserver) HeartbeatTick(sessionID string) {
	o.heartbeatTicks.WithLabelValues(sessionID).Inc()
}

// TransferObserver exports FileTransferEngine metrics to Prometheus.
type TransferObserver struct {
	started  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	spooled  *prometheus.CounterVec
}

// NewTransferObserver registers transfer metrics on the registry.
func NewTransferObserver(reg *prometheus.Registry) *TransferObserver {
	o := &TransferObserver{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transfers_started_total",
			Help: "File transfers started by direction.",
		}, []string{"direction"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transfers_outcome_total",
			Help: "File transfer outcomes by direction and outcome.",
		}, []string{"direction", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_transfer_duration_seconds",
			Help:    "File transfer duration from start to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transfer_retries_total",
			Help: "Chunk retry events by direction.",
		}, []string{"direction"}),
		spooled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transfer_spooled_total",
			Help: "Transfers that used disk spooling, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(o.started, o.outcomes, o.duration, o.retries, o.spooled)
	return o
}

func (o *TransferObserver) Started(direction observability.TransferDirection) {
	o.started.WithLabelValues(string(direction)).Inc()
}

func (o *TransferObserver) Outcome(direction observability.TransferDirection, outcome observability.TransferOutcome, d time.Duration) {
	o.outcomes.WithLabelValues(string(direction), string(outcome)).Inc()
	o.duration.WithLabelValues(string(direction)).Observe(d.Seconds())
}

func (o *TransferObserver) Retry(direction observability.TransferDirection) {
	o.retries.WithLabelValues(string(direction)).Inc()
}

func (o *TransferObserver) Spooled(direction observability.TransferDirection) {
	o.spooled.WithLabelValues(string(direction)).Inc()
}
