package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for workflow execution, all
// namespaced "stateflow".
//
// Exposed series:
//   - executions_inflight (gauge)
//   - executions_total{status} (counter)
//   - execution_duration_seconds{status} (histogram)
//   - state_steps_total{type,status} (counter)
//   - state_step_latency_ms{type,status} (histogram)
//   - approvals_requested_total / approvals_resolved_total{option}
//   - checkpoint_bytes (histogram)
//   - tokens_total, cost_usd_total (counters)
//
// Register with a custom registry and expose via promhttp:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	runner, _ := flow.NewRunner(def, agents, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflight          prometheus.Gauge
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stateSteps        *prometheus.CounterVec
	stepLatency       *prometheus.HistogramVec
	approvalsReq      prometheus.Counter
	approvalsRes      *prometheus.CounterVec
	checkpointBytes   prometheus.Histogram
	tokens            prometheus.Counter
	cost              prometheus.Counter
}

// NewMetrics creates and registers the metric set. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stateflow",
			Name:      "executions_inflight",
			Help:      "Executions currently running.",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "executions_total",
			Help:      "Completed executions by terminal status.",
		}, []string{"status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),
		stateSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "state_steps_total",
			Help:      "State steps by state type and outcome.",
		}, []string{"type", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "state_step_latency_ms",
			Help:      "State step latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"type", "status"}),
		approvalsReq: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "approvals_requested_total",
			Help:      "Approval requests emitted.",
		}),
		approvalsRes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "approvals_resolved_total",
			Help:      "Approval decisions applied, by option.",
		}, []string{"option"}),
		checkpointBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "checkpoint_bytes",
			Help:      "Serialized checkpoint snapshot size.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
		tokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "tokens_total",
			Help:      "Tokens reported by agent invocations.",
		}),
		cost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "cost_usd_total",
			Help:      "Cost in USD reported by agent invocations.",
		}),
	}
}

// ExecutionStarted marks an execution as inflight.
func (m *Metrics) ExecutionStarted() {
	m.inflight.Inc()
}

// ExecutionFinished records a terminal outcome.
func (m *Metrics) ExecutionFinished(status string, elapsed time.Duration) {
	m.inflight.Dec()
	m.executions.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// StateStepped records one state step.
func (m *Metrics) StateStepped(stateType, status string, elapsed time.Duration) {
	m.stateSteps.WithLabelValues(stateType, status).Inc()
	m.stepLatency.WithLabelValues(stateType, status).Observe(float64(elapsed.Milliseconds()))
}

// ApprovalRequested counts an emitted approval request.
func (m *Metrics) ApprovalRequested() {
	m.approvalsReq.Inc()
}

// ApprovalResolved counts an applied decision.
func (m *Metrics) ApprovalResolved(option string) {
	m.approvalsRes.WithLabelValues(option).Inc()
}

// CheckpointWritten records a snapshot write.
func (m *Metrics) CheckpointWritten(bytes int) {
	m.checkpointBytes.Observe(float64(bytes))
}

// AccountingObserved records tokens and cost added to the totals.
func (m *Metrics) AccountingObserved(tokens int64, cost float64) {
	if tokens > 0 {
		m.tokens.Add(float64(tokens))
	}
	if cost > 0 {
		m.cost.Add(cost)
	}
}
