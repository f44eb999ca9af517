package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Recorder applies fetcher progress and terminal outcomes to the job record
// store. All writes are conditional on the job's current status, so calls
// made after the job became terminal are silent no-ops. Progress never moves
// backwards.
type Recorder struct {
	writer  download.Writer
	clock   download.Clock
	emitter Emitter
	logger  *zap.Logger
}

// NewRecorder builds a Recorder that writes through writer.
func NewRecorder(writer download.Writer, clock download.Clock, emitter Emitter, logger *zap.Logger) *Recorder {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{writer: writer, clock: clock, emitter: emitter, logger: logger}
}

// ReportProgress clamps pct to [0,100] and raises the stored progress to it
// if the job is running and pct exceeds the current value.
func (r *Recorder) ReportProgress(ctx context.Context, jobID uuid.UUID, pct float64) error {
	return r.advance(ctx, jobID, download.ClampProgress(pct), StageJobProgress)
}

// ReportFinishedStage marks the transfer as finished by raising progress
// to 100. Post-processing may still follow before the terminal outcome.
func (r *Recorder) ReportFinishedStage(ctx context.Context, jobID uuid.UUID) error {
	return r.advance(ctx, jobID, download.MaxProgress, StageFetchDone)
}

func (r *Recorder) advance(ctx context.Context, jobID uuid.UUID, pct float64, stage Stage) error {
	now := r.clock.Now()
	applied, err := r.writer.AdvanceProgress(ctx, jobID, pct, now)
	if err != nil {
		metrics.ObserveProgressWrite("error")
		return fmt.Errorf("report progress: %w", err)
	}
	if !applied {
		metrics.ObserveProgressWrite("ignored")
		return nil
	}
	metrics.ObserveProgressWrite("applied")
	r.emitter.Emit(Event{
		JobID:    UUIDToBytes(jobID),
		TS:       now,
		Stage:    stage,
		Progress: pct,
	})
	return nil
}

// ReportTerminal records the fetch outcome: Completed with the output on
// success, Failed with the verbatim error detail otherwise. It is a no-op
// when the job already reached a terminal status.
func (r *Recorder) ReportTerminal(ctx context.Context, jobID uuid.UUID, outcome download.Outcome) error {
	now := r.clock.Now()
	var t download.Transition
	if outcome.Err != nil || outcome.Output == nil {
		t = download.FailTransition(download.ErrorDetail(download.Failed(outcome.Err).Err), now)
	} else {
		t = download.CompleteTransition(*outcome.Output, now)
	}
	job, err := r.writer.Transition(ctx, jobID, t)
	switch {
	case err == nil:
		metrics.ObserveJob(job.Status.String())
		r.emitter.Emit(JobEvent(job))
		return nil
	case errors.Is(err, download.ErrAlreadyTerminal):
		r.logger.Debug("discarding terminal outcome for finished job",
			zap.String("job_id", jobID.String()),
			zap.String("event", t.Event.String()))
		return nil
	default:
		return fmt.Errorf("report terminal: %w", err)
	}
}

// Bind returns a download.ProgressReporter for one job. Write failures are
// logged and swallowed so a flaky store never aborts a fetch.
func (r *Recorder) Bind(jobID uuid.UUID) download.ProgressReporter {
	return &boundReporter{recorder: r, jobID: jobID}
}

type boundReporter struct {
	recorder *Recorder
	jobID    uuid.UUID
}

func (b *boundReporter) ReportProgress(ctx context.Context, pct float64) {
	if err := b.recorder.ReportProgress(ctx, b.jobID, pct); err != nil {
		b.recorder.logger.Warn("progress write failed", zap.String("job_id", b.jobID.String()), zap.Error(err))
	}
}

func (b *boundReporter) ReportFinishedStage(ctx context.Context) {
	if err := b.recorder.ReportFinishedStage(ctx, b.jobID); err != nil {
		b.recorder.logger.Warn("finished stage write failed", zap.String("job_id", b.jobID.String()), zap.Error(err))
	}
}
