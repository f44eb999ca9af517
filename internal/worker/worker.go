// Package worker implements the execution loop: claim a dispatched job,
// start it, run the fetcher under a timeout and record the outcome.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/lifecycle"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/progress"
	"github.com/JakeFAU/media-fetcher/internal/telemetry"
)

// DefaultTimeout is the wall-clock budget of one execution.
const DefaultTimeout = time.Hour

// Claimer hands out execution contexts for dequeued items.
type Claimer interface {
	Claim(ctx context.Context, item download.QueueItem) (context.Context, bool)
	Release(h download.Handle)
}

// Starter performs the Queued to InProgress transition.
type Starter interface {
	Start(ctx context.Context, id uuid.UUID) (download.Job, error)
}

// Config controls Worker behavior.
type Config struct {
	// ID labels the worker in logs.
	ID int
	// Timeout bounds each execution; zero selects DefaultTimeout.
	Timeout time.Duration
}

// Worker consumes queue items one at a time and never prefetches.
type Worker struct {
	queue   download.Queue
	claims  Claimer
	starter Starter
	store   download.Store
	fetcher download.Fetcher
	clock   download.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	queue download.Queue,
	claims Claimer,
	starter Starter,
	store download.Store,
	fetcher download.Fetcher,
	clock download.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		claims:  claims,
		starter: starter,
		store:   store,
		fetcher: fetcher,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", cfg.ID)),
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes. A failed fetch never stops the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, download.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID.String()), zap.String("handle", string(item.Handle)))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item download.QueueItem) {
	jobID := item.JobID.String()
	runCtx, ok := w.claims.Claim(ctx, item)
	if !ok {
		w.logger.Info("skipping revoked execution", zap.String("job_id", jobID), zap.String("handle", string(item.Handle)))
		return
	}
	defer w.claims.Release(item.Handle)

	if _, err := w.starter.Start(runCtx, item.JobID); err != nil {
		var stale *download.StaleStatusError
		if errors.As(err, &stale) || errors.Is(err, download.ErrNotFound) {
			w.logger.Info("job no longer startable", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		w.logger.Error("start job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	session, err := w.store.Acquire(runCtx)
	if err != nil {
		w.logger.Error("acquire store session failed", zap.String("job_id", jobID), zap.Error(err))
		w.finish(ctx, progress.NewRecorder(w.store, w.clock, w.emitter, w.logger), item, download.Failed(err))
		return
	}
	defer session.Release()
	recorder := progress.NewRecorder(session, w.clock, w.emitter, w.logger)

	spanCtx, span := telemetry.StartSpan(runCtx, "download.execute",
		attribute.String("job_id", jobID),
		attribute.String("url", item.SourceURL))
	fetchCtx, cancel := context.WithTimeout(spanCtx, w.cfg.Timeout)
	out, fetchErr := w.fetcher.Fetch(fetchCtx, download.Request{JobID: item.JobID, SourceURL: item.SourceURL}, recorder.Bind(item.JobID))
	timedOut := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	cancel()

	if errors.Is(context.Cause(runCtx), download.ErrRevoked) {
		telemetry.EndSpan(span, download.ErrRevoked)
		w.logger.Info("execution revoked", zap.String("job_id", jobID))
		return
	}

	var outcome download.Outcome
	switch {
	case fetchErr == nil:
		outcome = download.Succeeded(out)
	case ctx.Err() != nil:
		outcome = download.Failed(&download.FetchError{Message: lifecycle.InterruptedDetail})
	case timedOut:
		outcome = download.Failed(&download.TimeoutError{Limit: w.cfg.Timeout})
	default:
		outcome = download.Failed(fetchErr)
	}
	telemetry.EndSpan(span, outcome.Err)
	w.finish(ctx, recorder, item, outcome)
}

// finish records the outcome even when ctx is already cancelled.
func (w *Worker) finish(ctx context.Context, recorder *progress.Recorder, item download.QueueItem, outcome download.Outcome) {
	writeCtx := context.WithoutCancel(ctx)
	if err := recorder.ReportTerminal(writeCtx, item.JobID, outcome); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID.String()), zap.Error(err))
		return
	}
	if outcome.Err != nil {
		w.logger.Warn("job failed", zap.String("job_id", item.JobID.String()), zap.Error(outcome.Err))
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", item.JobID.String()),
		zap.String("file_path", outcome.Output.Path),
		zap.Int64("file_size", outcome.Output.Size))
}
