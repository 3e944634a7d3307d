// Package metrics holds the Prometheus collectors of the worker, the
// maintenance scheduler and the API. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace is the namespace for all ytfetch metrics.
const MetricsNamespace = "ytfetch"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Queue metrics
	JobsSubmittedTotal *prometheus.CounterVec
	JobsClaimedTotal   *prometheus.CounterVec
	JobsFinishedTotal  *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobsRunning        *prometheus.GaugeVec
	LeasesReapedTotal  *prometheus.CounterVec

	// Content metrics
	ItemsTotal        *prometheus.CounterVec
	AttemptsTotal     *prometheus.CounterVec
	BytesWrittenTotal *prometheus.CounterVec

	// Rate limiting
	QuotaUnitsTotal *prometheus.CounterVec

	// Maintenance
	StagingRemovedTotal   *prometheus.CounterVec
	ExpansionsPurgedTotal *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initQueueMetrics(factory)
	m.initContentMetrics(factory)
	m.initMaintenanceMetrics(factory)

	return m
}

func (m *Metrics) initQueueMetrics(factory promauto.Factory) {
	m.JobsSubmittedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the API",
		},
		[]string{"service", "entity_type"},
	)

	m.JobsClaimedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs leased by workers",
		},
		[]string{"service"},
	)

	m.JobsFinishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Job runs by outcome (completed, retried, deferred, failed, cancelled, lease_lost)",
		},
		[]string{"service", "outcome"},
	)

	m.JobDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job run",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		},
		[]string{"service"},
	)

	m.JobsRunning = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_running",
			Help:      "Jobs currently being processed by this process",
		},
		[]string{"service"},
	)

	m.LeasesReapedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "leases_reaped_total",
			Help:      "Expired leases handled by the reaper",
		},
		[]string{"service", "outcome"},
	)

	m.QuotaUnitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "quota_units_total",
			Help:      "YouTube Data API units charged",
		},
		[]string{"service"},
	)
}

func (m *Metrics) initContentMetrics(factory promauto.Factory) {
	m.ItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "items_total",
			Help:      "Content ids processed by final state",
		},
		[]string{"service", "state"},
	)

	m.AttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "strategy_attempts_total",
			Help:      "Strategy tries by strategy and result",
		},
		[]string{"service", "strategy", "result"},
	)

	m.BytesWrittenTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "bytes_written_total",
			Help:      "Bytes published to the output directory",
		},
		[]string{"service"},
	)
}

func (m *Metrics) initMaintenanceMetrics(factory promauto.Factory) {
	m.StagingRemovedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "staging_removed_total",
			Help:      "Stale staging entries removed",
		},
		[]string{"service"},
	)

	m.ExpansionsPurgedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "expansions_purged_total",
			Help:      "Expired expansion cache entries deleted",
		},
		[]string{"service"},
	)
}

// RecordSubmitted records an accepted submission.
func (m *Metrics) RecordSubmitted(service, entityType string) {
	if m == nil {
		return
	}
	m.JobsSubmittedTotal.WithLabelValues(service, entityType).Inc()
}

// RecordClaimed records n jobs leased.
func (m *Metrics) RecordClaimed(service string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.JobsClaimedTotal.WithLabelValues(service).Add(float64(n))
}

// RecordJobStarted increments the running gauge.
func (m *Metrics) RecordJobStarted(service string) {
	if m == nil {
		return
	}
	m.JobsRunning.WithLabelValues(service).Inc()
}

// RecordJobFinished records the outcome and duration of one job run.
func (m *Metrics) RecordJobFinished(service, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsRunning.WithLabelValues(service).Dec()
	m.JobsFinishedTotal.WithLabelValues(service, outcome).Inc()
	m.JobDurationSeconds.WithLabelValues(service).Observe(durationSeconds)
}

// RecordItem records the final state of one content id.
func (m *Metrics) RecordItem(service, state string, bytes int64) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(service, state).Inc()
	if bytes > 0 {
		m.BytesWrittenTotal.WithLabelValues(service).Add(float64(bytes))
	}
}

// RecordAttempt records one strategy try.
func (m *Metrics) RecordAttempt(service, strategy string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.AttemptsTotal.WithLabelValues(service, strategy, result).Inc()
}

// RecordQuota records units charged to the Data API.
func (m *Metrics) RecordQuota(service string, units int) {
	if m == nil || units <= 0 {
		return
	}
	m.QuotaUnitsTotal.WithLabelValues(service).Add(float64(units))
}

// RecordReaped records one reaper pass.
func (m *Metrics) RecordReaped(service string, requeued, failed int) {
	if m == nil {
		return
	}
	m.LeasesReapedTotal.WithLabelValues(service, "requeued").Add(float64(requeued))
	m.LeasesReapedTotal.WithLabelValues(service, "failed").Add(float64(failed))
}

// RecordStagingRemoved records staging cleanup.
func (m *Metrics) RecordStagingRemoved(service string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StagingRemovedTotal.WithLabelValues(service).Add(float64(n))
}

// RecordExpansionsPurged records expansion cache cleanup.
func (m *Metrics) RecordExpansionsPurged(service string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpansionsPurgedTotal.WithLabelValues(service).Add(float64(n))
}
