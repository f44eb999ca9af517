package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	done := progress.UUIDToBytes(uuid.New())
	cancelled := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{JobID: done, TS: now, Stage: progress.StageJobQueued},
		{JobID: done, TS: now, Stage: progress.StageJobStart},
		{JobID: done, TS: now, Stage: progress.StageJobProgress, Progress: 42.5},
		{JobID: cancelled, TS: now, Stage: progress.StageJobQueued},
		{JobID: cancelled, TS: now, Stage: progress.StageJobCancelled},
		{
			JobID:    done,
			TS:       now.Add(15 * time.Second),
			Stage:    progress.StageJobDone,
			Progress: 100,
			Output:   &download.Output{Filename: "clip.mp4"},
			Dur:      15 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsSubmitted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("cancelled")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.progressTicks))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "mediafetch_job_runtime_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
