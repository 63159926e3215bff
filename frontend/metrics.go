package frontend

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors exposed alongside the
// stats() RPC on /metrics: ambient observability the spec's own
// Non-goals exclude as a core concern but that every dispatcher
// process still carries.
type metrics struct {
	workersIdle prometheus.Gauge
	workersBusy prometheus.Gauge

	hostsByState *prometheus.GaugeVec
	jobsByState  *prometheus.GaugeVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pogo_workers_idle",
			Help: "Number of connected workers with no in-flight dispatch.",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pogo_workers_busy",
			Help: "Number of connected workers with at least one in-flight dispatch.",
		}),
		hostsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pogo_hosts_by_state",
			Help: "Hosts across all tracked jobs, by current state.",
		}, []string{"state"}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pogo_jobs_by_state",
			Help: "Jobs tracked by this dispatcher, by current state.",
		}, []string{"state"}),
	}

	registry.MustRegister(m.workersIdle, m.workersBusy, m.hostsByState, m.jobsByState)
	return m
}
