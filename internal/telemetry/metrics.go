package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EvalForward = "forward"
	EvalFD      = "fd"
)

// Metrics holds the diffsim collectors. All methods are no-ops on a nil
// receiver so components can take an optional *Metrics.
type Metrics struct {
	physicsEvals     *prometheus.CounterVec
	rolloutDuration  prometheus.Histogram
	backwardDuration prometheus.Histogram
	terminations     prometheus.Counter
	iterations       prometheus.Counter
	loss             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		physicsEvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "physics_evaluations_total",
				Help:      "Total number of physics step evaluations",
			},
			[]string{"kind"},
		),
		rolloutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollout_duration_seconds",
				Help:      "Duration of batched rollouts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		backwardDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backward_duration_seconds",
				Help:      "Duration of reverse passes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		terminations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trajectory_terminations_total",
				Help:      "Trajectories frozen by the termination policy",
			},
		),
		iterations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimizer_iterations_total",
				Help:      "Total optimizer iterations",
			},
		),
		loss: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loss",
				Help:      "Most recent optimizer loss",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.physicsEvals, m.rolloutDuration, m.backwardDuration,
		m.terminations, m.iterations, m.loss,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) AddEvaluations(kind string, n int) {
	if m == nil {
		return
	}
	m.physicsEvals.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveRollout(d time.Duration) {
	if m == nil {
		return
	}
	m.rolloutDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveBackward(d time.Duration) {
	if m == nil {
		return
	}
	m.backwardDuration.Observe(d.Seconds())
}

func (m *Metrics) IncTerminations() {
	if m == nil {
		return
	}
	m.terminations.Inc()
}

func (m *Metrics) RecordIteration(loss float64) {
	if m == nil {
		return
	}
	m.iterations.Inc()
	m.loss.Set(loss)
}
