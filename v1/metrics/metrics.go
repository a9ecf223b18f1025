package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of lock acquisitions requested.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of lock acquisitions requested",
	})
	// ReleaseCounter tracks the number of explicit lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of explicit lock releases",
	})
	// ForcedReleaseCounter tracks releases forced by the watchdog.
	ForcedReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_forced_release_total",
		Help: "Total number of releases forced by the watchdog timer",
	})
	// WaitersGauge reports the number of tickets currently queued.
	WaitersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_waiters",
		Help: "Current number of queued tickets",
	})
	// ReadCounter tracks the number of document reads.
	ReadCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_read_total",
		Help: "Total number of document reads",
	})
	// WriteCounter tracks the number of document writes.
	WriteCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_write_total",
		Help: "Total number of document writes",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers latch core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, ForcedReleaseCounter, WaitersGauge, ReadCounter, WriteCounter)
}
