package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "j1", TS: now, Stage: progress.StageJobCreated, SiteID: "S1", Provider: "indexapi"},
		{
			JobID:    "j1",
			TS:       now.Add(time.Second),
			Stage:    progress.StageAttemptDone,
			Provider: "indexapi",
			Attempt:  1,
			Result:   progress.ResultError,
			Dur:      200 * time.Millisecond,
		},
		{
			JobID:    "j1",
			TS:       now.Add(2 * time.Second),
			Stage:    progress.StageAttemptDone,
			Provider: "indexapi",
			Attempt:  2,
			Result:   progress.ResultSuccess,
			Dur:      150 * time.Millisecond,
		},
		{
			JobID:    "j1",
			TS:       now.Add(3 * time.Second),
			Stage:    progress.StageJobDone,
			Provider: "indexapi",
			Result:   progress.ResultSuccess,
			Dur:      3 * time.Second,
		},
		{TS: now, Stage: progress.StageQuotaRefused, SiteID: "S1", Provider: "webconsole"},
		{
			TS:           now,
			Stage:        progress.StageSessionState,
			Provider:     "webconsole",
			SessionState: indexing.SessionCaptchaRequired,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCreated.WithLabelValues("indexapi")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("indexapi", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsActive))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("indexapi", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("indexapi", "success")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.attemptDuration, "indexd_attempt_duration_seconds"))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.quotaRefusals.WithLabelValues("webconsole")))
	require.Equal(
		t,
		1.0,
		testutil.ToFloat64(sink.sessionStates.WithLabelValues("webconsole", string(indexing.SessionCaptchaRequired))),
	)
}

// TestPrometheusSinkTracksActiveJobs verifies the gauge follows create/complete pairs.
func TestPrometheusSinkTracksActiveJobs(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j1", TS: now, Stage: progress.StageJobCreated, Provider: "indexapi"},
		{JobID: "j2", TS: now, Stage: progress.StageJobCreated, Provider: "indexapi"},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsActive))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j1", TS: now, Stage: progress.StageJobError, Provider: "indexapi", Result: progress.ResultFailed},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsActive))
}
