package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "furiosa_device_reset"

// Metrics holds the reset metrics on a custom registry, so one-shot commands can
// dump them to a node exporter textfile without the default process collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ResetsTotal             *prometheus.CounterVec
	ResetDuration           *prometheus.HistogramVec
	HolderProcessesKilled   prometheus.Counter
	ProcessWaitDuration     prometheus.Histogram
	SubsystemReinitFailures *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	// warm resets take at least four settle delays, memory repair adds minutes
	resetBuckets := []float64{0.1, 1, 5, 15, 30, 45, 60, 120, 300, 600, 900}

	m := &Metrics{
		Registry: reg,

		ResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total number of reset attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		ResetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reset_duration_seconds",
			Help:      "Duration of reset calls in seconds.",
			Buckets:   resetBuckets,
		}, []string{"type"}),
		HolderProcessesKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holder_processes_killed_total",
			Help:      "Total number of holder processes sent SIGKILL.",
		}),
		ProcessWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_wait_duration_seconds",
			Help:      "Time spent waiting for holder processes to exit, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		SubsystemReinitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subsystem_reinit_failures_total",
			Help:      "Total number of monitoring subsystems that failed to reinitialize after a reset.",
		}, []string{"subsystem"}),
	}

	reg.MustRegister(
		m.ResetsTotal,
		m.ResetDuration,
		m.HolderProcessesKilled,
		m.ProcessWaitDuration,
		m.SubsystemReinitFailures,
	)

	return m
}

// ObserveReset records one finished reset call.
func (m *Metrics) ObserveReset(resetType, result string, elapsed time.Duration) {
	m.ResetsTotal.WithLabelValues(resetType, result).Inc()
	m.ResetDuration.WithLabelValues(resetType).Observe(elapsed.Seconds())
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
