package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCountsJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.JobStarted()
	r.JobFinished("google", "COMPLETED", 2*time.Second)
	r.Records("google", "imported", 3)
	r.Records("google", "skipped", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("google", "COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.jobsInFlight))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.recordsTotal.WithLabelValues("google", "imported")))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.JobStarted()
		r.JobFinished("google", "FAILED", time.Second)
		r.Records("google", "imported", 1)
		r.BatchCommitted("google", time.Millisecond)
		r.FetchRetry("google", "transient")
		r.Conflicts("MANUAL_REVIEW", "deferred", 2)
		r.EventPublished("ok")
	})
}
