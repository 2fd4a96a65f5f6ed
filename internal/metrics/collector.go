package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exposes the engine's observability hooks as Prometheus metrics:
// per-dispatch outcome, latency and retry count, per-agent circuit state and
// queue depth, dead-letter volume, and workflow terminal statuses.
type Collector struct {
	// Dispatch metrics
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchRetries  *prometheus.HistogramVec

	// Agent metrics
	circuitState *prometheus.GaugeVec
	agentLoad    *prometheus.GaugeVec

	// Channel metrics
	queueDepth *prometheus.GaugeVec

	// Workflow metrics
	workflowsTotal *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec

	// Dead letter metrics
	deadLettersTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of task dispatches by terminal outcome",
		},
		[]string{"capability", "outcome"},
	)

	c.dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch duration in seconds, retries included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability"},
	)

	c.dispatchRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts",
			Help:      "Attempts consumed per dispatch",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"capability"},
	)

	c.circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_circuit_state",
			Help:      "Per-agent circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"agent_id"},
	)

	c.agentLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_inflight_tasks",
			Help:      "Per-agent in-flight task count",
		},
		[]string{"agent_id"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_queue_depth",
			Help:      "Per-subscriber per-message-type queue depth",
		},
		[]string{"agent_id", "message_type"},
	)

	c.workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflows by terminal status",
		},
		[]string{"status"},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"execution_mode"},
	)

	c.deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of dead-lettered tasks",
		},
		[]string{"capability"},
	)

	return c
}

// RecordDispatch records one terminal dispatch outcome.
func (c *Collector) RecordDispatch(capability, outcome string, attempts int, duration time.Duration) {
	c.dispatchesTotal.WithLabelValues(capability, outcome).Inc()
	c.dispatchDuration.WithLabelValues(capability).Observe(duration.Seconds())
	c.dispatchRetries.WithLabelValues(capability).Observe(float64(attempts))
}

// RecordCircuitState records a per-agent circuit state transition.
func (c *Collector) RecordCircuitState(agentID string, state int) {
	c.circuitState.WithLabelValues(agentID).Set(float64(state))
}

// RecordAgentLoad records the in-flight task count for an agent.
func (c *Collector) RecordAgentLoad(agentID string, load int) {
	c.agentLoad.WithLabelValues(agentID).Set(float64(load))
}

// RecordQueueDepth records the subscriber queue depth for a message type.
func (c *Collector) RecordQueueDepth(agentID, messageType string, depth int) {
	c.queueDepth.WithLabelValues(agentID, messageType).Set(float64(depth))
}

// RecordWorkflow records a workflow reaching a terminal status.
func (c *Collector) RecordWorkflow(status string) {
	c.workflowsTotal.WithLabelValues(status).Inc()
}

// RecordStep records a completed workflow step.
func (c *Collector) RecordStep(executionMode string, duration time.Duration) {
	c.stepDuration.WithLabelValues(executionMode).Observe(duration.Seconds())
}

// RecordDeadLetter records one dead-lettered task.
func (c *Collector) RecordDeadLetter(capability string) {
	c.deadLettersTotal.WithLabelValues(capability).Inc()
}
