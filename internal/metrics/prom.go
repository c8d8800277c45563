package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "gridserve_build_info",
			Help:        "Build information for the gridserve server",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	tasksInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridserve_tasks_inflight",
			Help: "Number of tasks currently processing on workers",
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridserve_tasks_total",
			Help: "Total number of dispatched tasks by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridserve_task_duration_seconds",
			Help:    "Processing duration of dispatched tasks",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"model"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridserve_queue_depth",
			Help: "Number of tasks waiting for an eligible worker",
		},
	)

	workersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridserve_workers_online",
			Help: "Number of workers currently online",
		},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridserve_tokens_total",
			Help: "Total tokens accounted by direction (in/out)",
		},
		[]string{"direction"},
	)
)

// Register registers all server metrics with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, tasksInflight, tasksTotal, taskDuration, queueDepth, workersOnline, tokensTotal)
}

// SetBuildInfo sets the build info metric for the server.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordTaskStart increments the in-flight gauge when a task is dispatched.
func RecordTaskStart() {
	tasksInflight.Inc()
}

// RecordTaskEnd settles the in-flight gauge and records outcome and duration.
func RecordTaskEnd(model string, dur time.Duration, success bool) {
	tasksInflight.Dec()
	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	tasksTotal.WithLabelValues(model, outcome).Inc()
	taskDuration.WithLabelValues(model).Observe(dur.Seconds())
}

// SetQueueDepth records the number of pending tasks.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// SetWorkersOnline records the number of online workers.
func SetWorkersOnline(n int) { workersOnline.Set(float64(n)) }

// AddTokens accumulates token usage for completed requests.
func AddTokens(in, out int) {
	if in > 0 {
		tokensTotal.WithLabelValues("in").Add(float64(in))
	}
	if out > 0 {
		tokensTotal.WithLabelValues("out").Add(float64(out))
	}
}
