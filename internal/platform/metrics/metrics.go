package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every receiptflow collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		JobsPublished, JobsProcessed, AdmissionDeferred,
		DispatchDuration, LockContention, GroupRecreated,
	)
}

// JobsPublished counts descriptors appended to the stream.
var JobsPublished = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "receiptflow_jobs_published_total",
	Help: "Receipt jobs appended to the stream.",
})

// JobsProcessed counts acknowledged jobs by outcome.
var JobsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "receiptflow_jobs_processed_total",
		Help: "Receipt jobs acknowledged, by outcome.",
	},
	[]string{"status"}, // succeeded | failed | malformed
)

// AdmissionDeferred counts deliveries left pending because another job held the processing flag.
var AdmissionDeferred = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "receiptflow_admission_deferred_total",
	Help: "Deliveries deferred by the processing flag.",
})

// DispatchDuration observes calls to the analysis service.
var DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "receiptflow_dispatch_duration_seconds",
	Help:    "Duration of analysis service calls.",
	Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
})

// LockContention counts requests rejected by the single-flight guard.
var LockContention = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "receiptflow_lock_contention_total",
		Help: "Requests rejected because the lock was held.",
	},
	[]string{"namespace"},
)

// GroupRecreated counts consumer group self-heals.
var GroupRecreated = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "receiptflow_group_recreated_total",
	Help: "Consumer group recreations after NOGROUP errors.",
})

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
