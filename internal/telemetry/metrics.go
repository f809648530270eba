// Package telemetry exposes Prometheus metrics for peer sessions,
// signaling traffic and viewer presence.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const namespace = "signaling"

// Roles label which endpoint owns a session.
const (
	RoleBroadcaster = "broadcaster"
	RoleViewer      = "viewer"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool

	sessionsActive      *prometheus.GaugeVec
	sessionTransitions  *prometheus.CounterVec
	signalingMessages   *prometheus.CounterVec
	negotiationCycles   *prometheus.CounterVec
	presentViewers      *prometheus.GaugeVec
	presenceRefreshFail prometheus.Counter
)

// Init registers the collectors with the default registry. Later calls are
// no-ops; recording before Init is silently skipped.
func Init(nodeID string) {
	initOnce.Do(func() { register(nodeID) })
}

func register(nodeID string) {
	labels := prometheus.Labels{"node_id": nodeID}

	sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "session",
		Name:        "active",
		ConstLabels: labels,
		Help:        "Peer sessions that are not closed.",
	}, []string{"role"})

	sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "session",
		Name:        "transitions_total",
		ConstLabels: labels,
	}, []string{"role", "state"})

	signalingMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "relay",
		Name:        "messages_total",
		ConstLabels: labels,
	}, []string{"direction", "kind", "status"})

	negotiationCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "viewer",
		Name:        "cycles_total",
		ConstLabels: labels,
		Help:        "Viewer negotiation cycles by outcome.",
	}, []string{"result"})

	presentViewers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "presence",
		Name:        "viewers",
		ConstLabels: labels,
		Help:        "Present viewers per stream as of the last refresh.",
	}, []string{"stream_id"})

	presenceRefreshFail = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "presence",
		Name:        "refresh_failures_total",
		ConstLabels: labels,
	})

	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionTransitions)
	prometheus.MustRegister(signalingMessages)
	prometheus.MustRegister(negotiationCycles)
	prometheus.MustRegister(presentViewers)
	prometheus.MustRegister(presenceRefreshFail)
	initialized.Store(true)
}

// SessionTransition counts a state change and keeps the active gauge in
// step: a session becomes active when it starts negotiating and inactive
// when it closes.
func SessionTransition(role, from, to string) {
	if !initialized.Load() {
		return
	}
	sessionTransitions.WithLabelValues(role, to).Inc()
	switch {
	case from == "idle" && to != "closed":
		sessionsActive.WithLabelValues(role).Inc()
	case to == "closed" && from != "idle":
		sessionsActive.WithLabelValues(role).Dec()
	}
}

// Message counts a relay message sent ("out") or received ("in").
func Message(direction, kind string, err error) {
	if !initialized.Load() {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	signalingMessages.WithLabelValues(direction, kind, status).Inc()
}

// Cycle counts a finished viewer negotiation cycle.
func Cycle(result string) {
	if !initialized.Load() {
		return
	}
	negotiationCycles.WithLabelValues(result).Inc()
}

// PresentViewers records the refreshed viewer count of a stream.
func PresentViewers(streamID string, n int) {
	if !initialized.Load() {
		return
	}
	presentViewers.WithLabelValues(streamID).Set(float64(n))
}

// ForgetStream drops the per-stream series once the stream ends.
func ForgetStream(streamID string) {
	if !initialized.Load() {
		return
	}
	presentViewers.DeleteLabelValues(streamID)
}

// RefreshFailed counts a failed presence refresh.
func RefreshFailed() {
	if !initialized.Load() {
		return
	}
	presenceRefreshFail.Inc()
}
