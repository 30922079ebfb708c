package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports worker engine gauges and counters to Prometheus.
// Cycle counters are incremented once per duty execution; job outcomes
// once per finalized trial.
type Metrics struct {
	CyclesTotal  *prometheus.CounterVec
	JobsDequeued prometheus.Counter
	JobOutcomes  *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	RunningJobs  prometheus.Gauge
}

// NewMetrics registers the worker metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "worker_cycles_total",
			Help:      "Control loop duty executions by duty name.",
		}, []string{"duty"}),
		JobsDequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "jobs_dequeued_total",
			Help:      "Jobs claimed by this worker.",
		}),
		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "job_outcomes_total",
			Help:      "Finalized trials by resulting state.",
		}, []string{"state"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "drover",
			Name:      "queue_depth",
			Help:      "Pending jobs visible in the queue.",
		}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "drover",
			Name:      "running_jobs",
			Help:      "Trials currently supervised by this worker.",
		}),
	}
}
