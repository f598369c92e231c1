package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobSlotOccupied is 1 when the runner's single slot holds a job, 0
	// otherwise.
	JobSlotOccupied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_job_slot_occupied",
			Help: "Whether the runner's job slot currently holds a job (1) or is empty (0)",
		},
	)

	JobsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_jobs_started_total",
			Help: "Total number of jobs whose root filesystem allocation began",
		},
	)

	JobsFinishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_jobs_finished_total",
			Help: "Total number of jobs that completed a graceful StopJob",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_jobs_failed_total",
			Help: "Total number of jobs that transitioned to Failed, by stage",
		},
		[]string{"stage"},
	)

	JobTimeToReady = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_job_time_to_ready_seconds",
			Help:    "Time from StartJob to the Ready state",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobShutdownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_job_shutdown_duration_seconds",
			Help:    "Time from StopJob to the Finished state",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConsoleBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_console_bytes_total",
			Help: "Total console bytes streamed to the coordinator, by stream",
		},
		[]string{"stream"},
	)

	RendezvousProxiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_rendezvous_proxies_active",
			Help: "Number of rendezvous proxies currently running for the installed job",
		},
	)
)

func init() {
	prometheus.MustRegister(JobSlotOccupied)
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobTimeToReady)
	prometheus.MustRegister(JobShutdownDuration)
	prometheus.MustRegister(ConsoleBytesTotal)
	prometheus.MustRegister(RendezvousProxiesActive)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
