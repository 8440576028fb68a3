package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "borgcube_jobs_total",
			Help: "Total number of jobs by kind and state",
		},
		[]string{"kind", "state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "borgcube_queue_depth",
			Help: "Number of jobs waiting in the runtime queue",
		},
	)

	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "borgcube_running_jobs",
			Help: "Number of currently running jobs",
		},
	)

	JobsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "borgcube_jobs_admitted_total",
			Help: "Total number of jobs admitted to running",
		},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borgcube_jobs_failed_total",
			Help: "Total number of failed jobs by cause",
		},
		[]string{"cause"},
	)

	// Gateway metrics
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borgcube_gateway_requests_total",
			Help: "Total number of gateway protocol requests by type",
		},
		[]string{"type"},
	)

	PolicyViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "borgcube_policy_violations_total",
			Help: "Total number of gateway sessions terminated by policy",
		},
	)

	// Scheduler metrics
	JobsMaterialized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "borgcube_jobs_materialized_total",
			Help: "Total number of jobs materialized from schedules",
		},
	)

	// Storage metrics
	ArchivesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "borgcube_archives_total",
			Help: "Total number of archives by repository",
		},
		[]string{"repository"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RunningJobs)
	prometheus.MustRegister(JobsAdmitted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(GatewayRequests)
	prometheus.MustRegister(PolicyViolations)
	prometheus.MustRegister(JobsMaterialized)
	prometheus.MustRegister(ArchivesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
