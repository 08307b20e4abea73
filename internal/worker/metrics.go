package worker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

type metrics struct {
	queueDepth prometheus.Gauge
	busy       prometheus.Gauge
	rejected   *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deployster",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deployster",
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Workers currently running a job",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployster",
			Subsystem: "worker",
			Name:      "rejected_total",
			Help:      "Jobs rejected because the queue was full",
		}, []string{"kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployster",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs executed by result",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployster",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of executed jobs",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		return m
	}
	m.queueDepth = register(reg, m.queueDepth)
	m.busy = register(reg, m.busy)
	m.rejected = register(reg, m.rejected)
	m.tasks = register(reg, m.tasks)
	m.duration = register(reg, m.duration)
	return m
}

// register reuses an already registered collector of the same shape.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
