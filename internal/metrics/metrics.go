package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopev_events_submitted_total",
			Help: "Inbound events accepted by topic and execution path",
		},
		[]string{"topic", "path"}, // queued|fallback|duplicate
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopev_jobs_total",
			Help: "Queued job outcomes by stage and topic",
		},
		[]string{"stage", "topic"}, // completed|retried|failed
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shopev_queue_depth",
			Help: "Jobs per queue list",
		},
		[]string{"list"}, // wait|delayed|completed|failed
	)

	FallbackTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopev_fallback_tasks_total",
			Help: "Jobs executed directly without the durable queue",
		},
		[]string{"topic", "result"}, // ok|error
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopev_ratelimit_decisions_total",
			Help: "Rate limiter decisions by backend and result",
		},
		[]string{"backend", "result"}, // store|memory , allowed|denied|fail_open
	)

	ComplianceRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopev_compliance_records_total",
			Help: "Terminal compliance audit records by topic and status",
		},
		[]string{"topic", "status"},
	)

	RetentionPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopev_retention_purged_total",
			Help: "Rows deleted by retention purges per category",
		},
		[]string{"category"},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once per process; serve and workers may share a process.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			EventsSubmitted,
			JobsTotal,
			QueueDepth,
			FallbackTasks,
			RateLimitDecisions,
			ComplianceRecords,
			RetentionPurged,
		)
	})
}
