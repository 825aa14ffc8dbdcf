package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for egcoord, registered with the
// default registry through promauto.
var (
	// --- Remote call metrics ---

	// RemoteCallsTotal counts gateway calls by service, endpoint and outcome.
	RemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Total number of calls to mediator and guardian services",
		},
		[]string{"service", "endpoint", "outcome"},
	)

	// RemoteCallDuration tracks gateway call latency.
	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "egcoord",
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Latency of calls to mediator and guardian services",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"service", "endpoint"},
	)

	// --- Resolver metrics ---

	// TargetLatency is the last measured ping latency per target. Unreachable
	// targets report -1.
	TargetLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "egcoord",
			Subsystem: "resolver",
			Name:      "target_latency_ms",
			Help:      "Last measured ping latency per target in milliseconds (-1 = unreachable)",
		},
		[]string{"service", "target"},
	)

	// LatencyProbes counts measurement rounds per service.
	LatencyProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "resolver",
			Name:      "probes_total",
			Help:      "Total number of latency measurement rounds",
		},
		[]string{"service"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "resolver",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions per target",
		},
		[]string{"service", "target", "to"},
	)

	// --- Coordinator metrics ---

	// StageDuration tracks how long each protocol stage takes.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "egcoord",
			Subsystem: "coordinator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of election protocol stages",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"stage", "status"},
	)

	// FanOutTasks counts tasks issued by fan-out stages.
	FanOutTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "coordinator",
			Name:      "fanout_tasks_total",
			Help:      "Tasks issued by fan-out stages",
		},
		[]string{"stage", "outcome"},
	)

	// BallotsProcessed counts ballots by final state.
	BallotsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "coordinator",
			Name:      "ballots_total",
			Help:      "Ballots processed by final state",
		},
		[]string{"state"},
	)

	// --- Run metrics ---

	// RunsTotal counts finished election runs.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of election runs by final state",
		},
		[]string{"state"},
	)

	// RunDuration tracks end-to-end run duration.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "egcoord",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "End-to-end duration of election runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
	)

	// RunsInFlight tracks runs currently executing on this worker.
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "egcoord",
			Subsystem: "worker",
			Name:      "runs_in_flight",
			Help:      "Number of election runs currently executing on this worker",
		},
	)

	// HeartbeatsSent counts worker heartbeats.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// ActiveWorkers tracks registered workers as seen by the scheduler.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "egcoord",
			Subsystem: "cluster",
			Name:      "active_workers",
			Help:      "Number of workers holding a live lease",
		},
	)

	// OrphansReaped counts runs failed by the scheduler after their worker died.
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "egcoord",
			Subsystem: "scheduler",
			Name:      "orphans_reaped_total",
			Help:      "Total number of orphaned runs marked failed",
		},
	)
)

// RecordRemoteCall records one gateway call.
func RecordRemoteCall(service, endpoint, outcome string, seconds float64) {
	RemoteCallsTotal.WithLabelValues(service, endpoint, outcome).Inc()
	RemoteCallDuration.WithLabelValues(service, endpoint).Observe(seconds)
}

// RecordStage records a finished coordinator stage.
func RecordStage(stage string, err error, seconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StageDuration.WithLabelValues(stage, status).Observe(seconds)
}

// RecordRun records a finished run.
func RecordRun(state string, seconds float64) {
	RunsTotal.WithLabelValues(state).Inc()
	RunDuration.Observe(seconds)
}
