package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives the coordinator's counters and timings.
type Collector interface {
	// ObserveRun counts a finished run by outcome. The outcomes are
	// committed, rolled_back, partial and resolution_failed.
	ObserveRun(outcome string)
	// ObserveParticipant counts a resolved participant by its terminal state.
	ObserveParticipant(result string)
	AddSkipped(n int)
	AddCancelled(n int)
	IncFailure(kind string)
	IncScopeLeak()
	// ObservePhase records how long a run spent in execute or resolve.
	ObservePhase(phase string, d time.Duration)
}

type NoopCollector struct{}

func (NoopCollector) ObserveRun(string)                  {}
func (NoopCollector) ObserveParticipant(string)          {}
func (NoopCollector) AddSkipped(int)                     {}
func (NoopCollector) AddCancelled(int)                   {}
func (NoopCollector) IncFailure(string)                  {}
func (NoopCollector) IncScopeLeak()                      {}
func (NoopCollector) ObservePhase(string, time.Duration) {}

type PrometheusCollector struct {
	Runs         *prometheus.CounterVec
	Participants *prometheus.CounterVec
	Skipped      prometheus.Counter
	Cancelled    prometheus.Counter
	Failures     *prometheus.CounterVec
	ScopeLeaks   prometheus.Counter
	PhaseSeconds *prometheus.HistogramVec
}

// NewPrometheusCollector registers the fan-out series on reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(namespace string, reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "txfanout"
	}
	c := &PrometheusCollector{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Fan-out runs by outcome.",
		}, []string{"outcome"}),
		Participants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participants_total",
			Help:      "Resolved participants by terminal state.",
		}, []string{"result"}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_skipped_total",
			Help:      "Tasks that never began a transaction because a failure was already known.",
		}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_cancelled_total",
			Help:      "Tasks cancelled before they started.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures by kind.",
		}, []string{"kind"}),
		ScopeLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_leaks_total",
			Help:      "Tasks that left bindings in a pool slot scope.",
		}),
		PhaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent per run phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"phase"}),
	}
	for _, col := range []prometheus.Collector{
		c.Runs, c.Participants, c.Skipped, c.Cancelled, c.Failures, c.ScopeLeaks, c.PhaseSeconds,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) ObserveRun(outcome string) {
	c.Runs.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) ObserveParticipant(result string) {
	c.Participants.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) AddSkipped(n int) {
	if n > 0 {
		c.Skipped.Add(float64(n))
	}
}

func (c *PrometheusCollector) AddCancelled(n int) {
	if n > 0 {
		c.Cancelled.Add(float64(n))
	}
}

func (c *PrometheusCollector) IncFailure(kind string) {
	c.Failures.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) IncScopeLeak() {
	c.ScopeLeaks.Inc()
}

func (c *PrometheusCollector) ObservePhase(phase string, d time.Duration) {
	c.PhaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}
