// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates Prometheus metrics for every orchestration component.
// It registers against the supplied registerer so tests can use isolated
// registries instead of the global default.
type Collector struct {
	// Process manager metrics
	processesTotal  *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	processesActive prometheus.Gauge
	queueDepth      prometheus.Gauge

	// Workflow metrics
	workflowsTotal   *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	workflowDuration prometheus.Histogram

	// Circuit breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec

	// Collaboration metrics
	critiqueIterations prometheus.Histogram
	discussionRounds   prometheus.Histogram

	logger *zap.Logger
}

// NewCollector creates and registers all collectors under the namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.processesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_total",
			Help:      "Total number of processes by terminal status",
		},
		[]string{"status"},
	)

	c.processDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Process execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.processesActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_active",
			Help:      "Number of processes currently running",
		},
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of processes waiting in the queue",
		},
	)

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflows by terminal status",
		},
		[]string{"status"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of workflow steps by terminal status",
		},
		[]string{"status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_type"},
	)

	c.workflowDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end workflow duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions per service",
		},
		[]string{"service", "to_state"},
	)

	c.breakerRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Calls rejected by an open circuit breaker per service",
		},
		[]string{"service"},
	)

	c.critiqueIterations = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "critique_iterations",
			Help:      "Iterations used per self-critique session",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	c.discussionRounds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discussion_rounds",
			Help:      "Rounds used per discussion session",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	return c
}

// ObserveProcess records a terminal process transition.
func (c *Collector) ObserveProcess(status string, seconds float64) {
	c.processesTotal.WithLabelValues(status).Inc()
	c.processDuration.WithLabelValues(status).Observe(seconds)
}

// SetActiveProcesses updates the running-process gauge.
func (c *Collector) SetActiveProcesses(n int) {
	c.processesActive.Set(float64(n))
}

// SetQueueDepth updates the queued-process gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// ObserveWorkflow records a terminal workflow transition.
func (c *Collector) ObserveWorkflow(status string, seconds float64) {
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.Observe(seconds)
}

// ObserveStep records a terminal step transition.
func (c *Collector) ObserveStep(status, agentType string, seconds float64) {
	c.stepsTotal.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(agentType).Observe(seconds)
}

// SetBreakerState records the current breaker state for a service.
func (c *Collector) SetBreakerState(service string, state int) {
	c.breakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveBreakerTransition records a breaker state transition.
func (c *Collector) ObserveBreakerTransition(service, toState string) {
	c.breakerTransitions.WithLabelValues(service, toState).Inc()
}

// ObserveBreakerRejection records a short-circuited call.
func (c *Collector) ObserveBreakerRejection(service string) {
	c.breakerRejections.WithLabelValues(service).Inc()
}

// ObserveCritiqueSession records the iteration count of a finished session.
func (c *Collector) ObserveCritiqueSession(iterations int) {
	c.critiqueIterations.Observe(float64(iterations))
}

// ObserveDiscussionSession records the round count of a finished session.
func (c *Collector) ObserveDiscussionSession(rounds int) {
	c.discussionRounds.Observe(float64(rounds))
}
