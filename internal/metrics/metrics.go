package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values. Metric labels must never carry ids or other
// unbounded values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	EventJoined    = "joined"
	EventLeft      = "left"
	EventVetoed    = "vetoed"
	EventCompleted = "completed"
	EventInitiated = "initiated"

	RouteLocal     = "local"
	RouteConsensus = "consensus"
	RouteNone      = "none"
)

// Session fabric metrics
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_active_sessions",
		Help: "Number of currently active sessions",
	})

	SessionsRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_sessions_restored_total",
		Help: "Total number of sessions rebuilt from snapshots",
	})

	ParticipantEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_participant_events_total",
		Help: "Participant joins and leaves across all sessions",
	}, []string{"event"})

	TaskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_task_events_total",
		Help: "Task vetoes and completions across all sessions",
	}, []string{"event"})

	HandoffEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_handoff_events_total",
		Help: "Context handoffs initiated and completed",
	}, []string{"event"})

	SnapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_snapshot_saves_total",
		Help: "Session snapshot writes by result",
	}, []string{"result"})
)

// Signaling metrics
var (
	OpenSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_signaling_open_sockets",
		Help: "Number of connected signaling sockets",
	})

	RelayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_signaling_relayed_frames_total",
		Help: "Frames relayed between peers by message type",
	}, []string{"type"})

	SignalingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_signaling_errors_total",
		Help: "Protocol errors sent to signaling clients",
	})
)

// Delegation metrics
var (
	DelegationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_delegations_in_flight",
		Help: "Delegations currently holding a concurrency slot",
	})

	Delegations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_delegations_total",
		Help: "Completed delegations by route and result",
	}, []string{"route", "result"})

	DelegationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_delegation_latency_ms",
		Help:    "Local delegation latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	})
)

// API metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "path", "status"})
)

// RecordAPIRequest observes one API request. The path must be the
// route template, never the raw URL.
func RecordAPIRequest(method, path, status string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, status).Observe(durationMs)
}

// RecordDelegation counts one finished delegation and, for the local
// route, observes its latency.
func RecordDelegation(route string, success bool, latencyMs float64) {
	if route == "" {
		route = RouteNone
	}
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	Delegations.WithLabelValues(route, result).Inc()
	if route == RouteLocal {
		DelegationLatency.Observe(latencyMs)
	}
}
