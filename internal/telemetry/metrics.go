package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dispider",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// TasksClaimedTotal counts successful task claims by project.
var TasksClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "tasks",
		Name:      "claimed_total",
		Help:      "Total number of tasks claimed by workers.",
	},
	[]string{"project_id"},
)

// TasksFailedTotal counts reported task failures by project. The outcome
// label is "retried_with_error" when the worker supplied an error message and
// "retried" otherwise; it does not distinguish a task returned to pending
// from one moved to the terminal failed state.
var TasksFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "tasks",
		Name:      "failed_total",
		Help:      "Total number of reported task failures.",
	},
	[]string{"project_id", "outcome"},
)

// ContainersCreatedTotal counts container creations by outcome.
var ContainersCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "containers",
		Name:      "created_total",
		Help:      "Total number of worker containers created.",
	},
	[]string{"project_id", "outcome"},
)

// ContainerAlertsTotal counts alerts raised by worker status reports.
var ContainerAlertsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "containers",
		Name:      "alerts_total",
		Help:      "Total number of needs_manual_intervention alerts raised.",
	},
)

// ProxyGroupHealthChecksTotal counts health probe outcomes by result.
var ProxyGroupHealthChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "proxy",
		Name:      "health_checks_total",
		Help:      "Total number of proxy group health probes, by outcome.",
	},
	[]string{"outcome"},
)

// ProxyGroupBlacklistedTotal counts groups entering the blacklist.
var ProxyGroupBlacklistedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "proxy",
		Name:      "group_blacklisted_total",
		Help:      "Total number of times a proxy group was blacklisted.",
	},
)

// ProxyReassignmentsTotal counts container reassignments performed by the
// reassignment loop.
var ProxyReassignmentsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dispider",
		Subsystem: "proxy",
		Name:      "reassignments_total",
		Help:      "Total number of containers reassigned away from a blacklisted group.",
	},
)

// All returns the control-plane-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TasksClaimedTotal,
		TasksFailedTotal,
		ContainersCreatedTotal,
		ContainerAlertsTotal,
		ProxyGroupHealthChecksTotal,
		ProxyGroupBlacklistedTotal,
		ProxyReassignmentsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP request metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
