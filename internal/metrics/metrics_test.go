package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordClaimed("videos", 3)
	m.RecordJobStarted("videos")
	m.RecordJobFinished("videos", "completed", 1.5)
	m.RecordItem("videos", "succeeded", 2048)
	m.RecordAttempt("videos", "ytdlp:android", false)
	m.RecordQuota("videos", 4)
	m.RecordReaped("videos", 2, 1)

	assert.InDelta(t, 3, testutil.ToFloat64(m.JobsClaimedTotal.WithLabelValues("videos")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.JobsRunning.WithLabelValues("videos")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsFinishedTotal.WithLabelValues("videos", "completed")), 0)
	assert.InDelta(t, 2048, testutil.ToFloat64(m.BytesWrittenTotal.WithLabelValues("videos")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("videos", "ytdlp:android", "failure")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.QuotaUnitsTotal.WithLabelValues("videos")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.LeasesReapedTotal.WithLabelValues("videos", "requeued")), 0)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordClaimed("videos", 1)
		m.RecordJobStarted("videos")
		m.RecordJobFinished("videos", "failed", 1)
		m.RecordItem("videos", "failed", 0)
		m.RecordAttempt("videos", "x", true)
		m.RecordQuota("videos", 1)
		m.RecordReaped("videos", 1, 1)
		m.RecordStagingRemoved("videos", 1)
		m.RecordExpansionsPurged("videos", 1)
		m.RecordSubmitted("videos", "video")
	})
}
