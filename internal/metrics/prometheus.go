package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cleanroom",
		Name:      "jobs_submitted_total",
		Help:      "Batch jobs accepted for processing.",
	})

	jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanroom",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal status.",
	}, []string{"status"})

	unitsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanroom",
		Name:      "units_processed_total",
		Help:      "Phase units by phase and outcome.",
	}, []string{"phase", "status"})

	phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cleanroom",
		Name:      "phase_duration_seconds",
		Help:      "Wall time of a completed phase.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600, 7200},
	}, []string{"phase"})

	unitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cleanroom",
		Name:      "unit_duration_seconds",
		Help:      "Wall time of a single phase unit.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"phase"})

	poolVMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cleanroom",
		Name:      "pool_vms",
		Help:      "Pooled VMs by label and state.",
	}, []string{"label", "state"})

	vmAcquireWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cleanroom",
		Name:      "vm_acquire_wait_seconds",
		Help:      "Time spent waiting to acquire a pooled VM.",
		Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"label"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		jobsSubmitted,
		jobsFinished,
		unitsProcessed,
		phaseDuration,
		unitDuration,
		poolVMs,
		vmAcquireWait,
	)
}

// Handler serves the registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func JobSubmitted()               { jobsSubmitted.Inc() }
func JobFinished(status string)   { jobsFinished.WithLabelValues(status).Inc() }

func UnitProcessed(phase, status string) {
	unitsProcessed.WithLabelValues(phase, status).Inc()
}

func ObservePhaseDuration(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func ObserveUnitDuration(phase string, d time.Duration) {
	unitDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetPoolGauges publishes the pool snapshot for one label. Transitional
// states (cleaning, recycling, provisioning) are folded into "busy".
func SetPoolGauges(label string, available, inUse, busy int) {
	poolVMs.WithLabelValues(label, "available").Set(float64(available))
	poolVMs.WithLabelValues(label, "in_use").Set(float64(inUse))
	poolVMs.WithLabelValues(label, "busy").Set(float64(busy))
}

func ObserveAcquireWait(label string, d time.Duration) {
	vmAcquireWait.WithLabelValues(label).Observe(d.Seconds())
}
