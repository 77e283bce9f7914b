package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Worker outcome label values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var (
	// SpawnCounter tracks the number of workers started.
	SpawnCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_workers_spawned_total",
		Help: "Total number of delayed lock workers started",
	})
	// SpawnErrorCounter tracks spawn calls rejected before a worker started.
	SpawnErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_workers_spawn_errors_total",
		Help: "Total number of rejected spawn calls",
	})
	// CompletedCounter tracks finished workers by outcome status.
	CompletedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_workers_completed_total",
		Help: "Total number of finished workers by outcome",
	}, []string{"status"})
	// ActiveGauge reports the number of live workers.
	ActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_workers_active",
		Help: "Current number of live workers",
	})
	// HoldHistogram observes how long workers held their lock.
	HoldHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockstep_lock_hold_seconds",
		Help:    "Time a worker held its lock",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterWorkerMetrics registers the worker metrics on the provided registry.
func RegisterWorkerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SpawnCounter, SpawnErrorCounter, CompletedCounter, ActiveGauge, HoldHistogram)
}

// EnsureWorkerMetrics registers the worker metrics on reg, skipping those
// already registered there. Several spawners can share one registry.
func EnsureWorkerMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{SpawnCounter, SpawnErrorCounter, CompletedCounter, ActiveGauge, HoldHistogram} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
