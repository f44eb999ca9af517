// Package lifecycle owns the job state machine at the orchestration
// boundary: submission, the worker-driven transitions, listing, cancellation
// and recovery of executions lost to a crash.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// InterruptedDetail is the error detail stored on jobs whose execution was
// lost to a shutdown or crash.
const InterruptedDetail = "interrupted"

// ErrNotDispatched reports a submission whose job was recorded but could not
// be handed to the worker pool. The job is left Cancelled.
var ErrNotDispatched = errors.New("job could not be dispatched")

// Config tunes the controller.
type Config struct {
	// SubmitTimeout bounds the enqueue performed during Submit.
	SubmitTimeout time.Duration
	// DefaultLimit and MaxLimit bound List page sizes.
	DefaultLimit int
	MaxLimit     int
}

// Controller drives jobs through the state machine. Every transition is a
// conditional write on the store, so the controller keeps no job state.
type Controller struct {
	store      download.Store
	dispatcher download.Dispatcher
	ids        download.IDGenerator
	clock      download.Clock
	emitter    progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// NewController wires a Controller.
func NewController(
	store download.Store,
	dispatcher download.Dispatcher,
	ids download.IDGenerator,
	clock download.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 500
	}
	cfg.MaxLimit = max(cfg.MaxLimit, cfg.DefaultLimit)
	return &Controller{
		store:      store,
		dispatcher: dispatcher,
		ids:        ids,
		clock:      clock,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Submit creates a Queued job for sourceURL, dispatches it and records the
// execution handle. If dispatch fails the job is cancelled so no record is
// left Queued without an execution.
func (c *Controller) Submit(ctx context.Context, sourceURL string) (download.Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if err := download.ValidateURL(sourceURL); err != nil {
		return download.Job{}, err
	}
	id, err := c.ids.NewID()
	if err != nil {
		return download.Job{}, fmt.Errorf("new job id: %w", err)
	}
	job := download.NewJob(id, sourceURL, c.clock.Now())
	if err := c.store.Create(ctx, job); err != nil {
		return download.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(job.Status.String())
	c.emitter.Emit(progress.JobEvent(job))

	if err := c.dispatch(ctx, id, sourceURL); err != nil {
		return download.Job{}, err
	}

	latest, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("reload submitted job failed", zap.String("job_id", id.String()), zap.Error(err))
		latest = job
	}
	c.logger.Info("job submitted", zap.String("job_id", id.String()), zap.String("url", sourceURL))
	return latest, nil
}

func (c *Controller) dispatch(ctx context.Context, id uuid.UUID, sourceURL string) error {
	dispatchCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	handle, err := c.dispatcher.Submit(dispatchCtx, id, sourceURL)
	if err != nil {
		if errors.Is(err, download.ErrAlreadyDispatched) {
			return fmt.Errorf("dispatch job %s: %w", id, err)
		}
		if _, cancelErr := c.apply(context.WithoutCancel(ctx), id, download.CancelTransition(c.clock.Now())); cancelErr != nil {
			c.logger.Error("cancel undispatched job failed", zap.String("job_id", id.String()), zap.Error(cancelErr))
		}
		return fmt.Errorf("dispatch job %s: %w: %w", id, ErrNotDispatched, err)
	}
	attached, err := c.store.AttachHandle(ctx, id, handle, c.clock.Now())
	if err != nil {
		// The execution is already queued; cancellation falls back to the job id.
		c.logger.Warn("attach handle failed",
			zap.String("job_id", id.String()),
			zap.String("handle", string(handle)),
			zap.Error(err))
		return nil
	}
	if !attached {
		// Already terminal: the execution finished or was cancelled first.
		c.logger.Debug("handle not attached", zap.String("job_id", id.String()), zap.String("handle", string(handle)))
	}
	return nil
}

// Start moves a Queued job to InProgress with progress 0.
func (c *Controller) Start(ctx context.Context, id uuid.UUID) (download.Job, error) {
	return c.apply(ctx, id, download.StartTransition(c.clock.Now()))
}

// Complete moves an InProgress job to Completed with progress 100.
func (c *Controller) Complete(ctx context.Context, id uuid.UUID, out download.Output) (download.Job, error) {
	return c.apply(ctx, id, download.CompleteTransition(out, c.clock.Now()))
}

// Fail moves an InProgress job to Failed, storing cause's detail verbatim.
func (c *Controller) Fail(ctx context.Context, id uuid.UUID, cause error) (download.Job, error) {
	return c.apply(ctx, id, download.FailTransition(download.ErrorDetail(cause), c.clock.Now()))
}

// Cancel moves a Queued or InProgress job to Cancelled and clears its
// handle. It does not signal the execution; see Coordinator.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) (download.Job, error) {
	return c.apply(ctx, id, download.CancelTransition(c.clock.Now()))
}

func (c *Controller) apply(ctx context.Context, id uuid.UUID, t download.Transition) (download.Job, error) {
	job, err := c.store.Transition(ctx, id, t)
	if err != nil {
		return download.Job{}, fmt.Errorf("%s job %s: %w", t.Event, id, err)
	}
	metrics.ObserveJob(job.Status.String())
	c.emitter.Emit(progress.JobEvent(job))
	c.logger.Debug("job transitioned",
		zap.String("job_id", id.String()),
		zap.String("event", t.Event.String()),
		zap.String("status", job.Status.String()))
	return job, nil
}

// Get returns the current record.
func (c *Controller) Get(ctx context.Context, id uuid.UUID) (download.Job, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return download.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs newest first. A non-positive limit selects the default;
// larger limits are capped.
func (c *Controller) List(ctx context.Context, limit, offset int) ([]download.Job, error) {
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}
	limit = min(limit, c.cfg.MaxLimit)
	offset = max(offset, 0)
	jobs, err := c.store.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// RecoverInterrupted fails jobs left InProgress by a previous process and
// re-dispatches jobs still Queued. It returns the number of jobs touched.
func (c *Controller) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := c.store.ListByStatus(ctx, download.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	var errs []error
	touched := 0
	for _, job := range running {
		_, err := c.apply(ctx, job.ID, download.FailTransition(InterruptedDetail, c.clock.Now()))
		switch {
		case err == nil:
			touched++
		case errors.Is(err, download.ErrAlreadyTerminal):
		default:
			errs = append(errs, err)
		}
	}

	queued, err := c.store.ListByStatus(ctx, download.StatusQueued)
	if err != nil {
		return touched, errors.Join(append(errs, fmt.Errorf("list queued jobs: %w", err))...)
	}
	for _, job := range queued {
		err := c.dispatch(ctx, job.ID, job.SourceURL)
		switch {
		case err == nil:
			touched++
		case errors.Is(err, download.ErrAlreadyDispatched):
		default:
			errs = append(errs, err)
		}
	}
	if touched > 0 {
		c.logger.Info("recovered jobs from previous run",
			zap.Int("interrupted", len(running)),
			zap.Int("requeued", len(queued)))
	}
	return touched, errors.Join(errs...)
}
