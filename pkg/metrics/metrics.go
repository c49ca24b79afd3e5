// Package metrics provides Prometheus-based metrics recording for CI
// orchestration activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the collectors tracking registry, lifecycle, and IPC
// activity. Register once per process.
type Recorder struct {
	messagesTotal    *prometheus.CounterVec
	broadcastsTotal  *prometheus.CounterVec
	registeredCIs    *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
	missedHeartbeats prometheus.Counter
	protocolErrors   prometheus.Counter
	pendingRequests  prometheus.Gauge
	requestTimeouts  prometheus.Counter
	pollDuration     prometheus.Histogram
}

// NewRecorder creates a recorder registered against reg. A nil reg uses
// the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argo_messages_total",
				Help: "Total messages routed through the registry by type and outcome",
			},
			[]string{"type", "status"},
		),
		broadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argo_broadcasts_total",
				Help: "Total broadcast attempts by outcome",
			},
			[]string{"status"},
		),
		registeredCIs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "argo_registered_cis",
				Help: "Currently registered CIs by role",
			},
			[]string{"role"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argo_lifecycle_transitions_total",
				Help: "Lifecycle transitions by event and resulting status",
			},
			[]string{"event", "to_status"},
		),
		missedHeartbeats: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "argo_missed_heartbeats_total",
				Help: "Heartbeat intervals missed across all CIs",
			},
		),
		protocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "argo_protocol_errors_total",
				Help: "Inbound frames dropped as malformed",
			},
		),
		pendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "argo_pending_requests",
				Help: "Outbound requests awaiting a reply or timeout",
			},
		),
		requestTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "argo_request_timeouts_total",
				Help: "Pending requests evicted by the timeout sweep",
			},
		),
		pollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "argo_poll_cycle_duration_seconds",
				Help:    "Duration of one socket server poll cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// ObserveMessage records one routed message.
func (r *Recorder) ObserveMessage(msgType string, success bool) {
	status := "delivered"
	if !success {
		status = "failed"
	}
	r.messagesTotal.WithLabelValues(msgType, status).Inc()
}

// ObserveBroadcast records one broadcast attempt.
func (r *Recorder) ObserveBroadcast(success bool) {
	status := "delivered"
	if !success {
		status = "failed"
	}
	r.broadcastsTotal.WithLabelValues(status).Inc()
}

// SetRegisteredCIs sets the registered-CI gauge for a role.
func (r *Recorder) SetRegisteredCIs(role string, count int) {
	r.registeredCIs.WithLabelValues(role).Set(float64(count))
}

// ObserveTransition records one lifecycle transition.
func (r *Recorder) ObserveTransition(event, toStatus string) {
	r.transitionsTotal.WithLabelValues(event, toStatus).Inc()
}

// IncMissedHeartbeat records one missed heartbeat interval.
func (r *Recorder) IncMissedHeartbeat() {
	r.missedHeartbeats.Inc()
}

// IncProtocolError records one dropped inbound frame.
func (r *Recorder) IncProtocolError() {
	r.protocolErrors.Inc()
}

// SetPendingRequests sets the pending-request gauge.
func (r *Recorder) SetPendingRequests(count int) {
	r.pendingRequests.Set(float64(count))
}

// IncRequestTimeout records one timed-out pending request.
func (r *Recorder) IncRequestTimeout() {
	r.requestTimeouts.Inc()
}

// ObservePollCycle records the duration of one poll cycle.
func (r *Recorder) ObservePollCycle(d time.Duration) {
	r.pollDuration.Observe(d.Seconds())
}
