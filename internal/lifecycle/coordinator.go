package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

// CancelResult is the typed outcome of a cancellation request.
type CancelResult uint8

// Cancellation outcomes.
const (
	Cancelled CancelResult = iota + 1
	AlreadyTerminal
	NotFound
)

func (r CancelResult) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case AlreadyTerminal:
		return "already_terminal"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// MarshalText renders the wire name.
func (r CancelResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Coordinator revokes executions and records cancellation.
type Coordinator struct {
	controller *Controller
	dispatcher download.Dispatcher
	logger     *zap.Logger
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(controller *Controller, dispatcher download.Dispatcher, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{controller: controller, dispatcher: dispatcher, logger: logger}
}

// Cancel revokes the job's execution, if any, and moves the job to
// Cancelled without waiting for the execution to stop. A job that reached a
// terminal status first, including one that won a race with this call,
// yields AlreadyTerminal.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	job, err := c.controller.Get(ctx, id)
	switch {
	case errors.Is(err, download.ErrNotFound):
		return NotFound, nil
	case err != nil:
		return 0, err
	}
	if job.Status.IsTerminal() {
		return AlreadyTerminal, nil
	}

	var revoked bool
	if job.Handle != "" {
		revoked = c.dispatcher.Revoke(job.Handle)
	} else {
		revoked = c.dispatcher.RevokeJob(id)
	}
	if !revoked {
		c.logger.Debug("no live execution to revoke",
			zap.String("job_id", id.String()),
			zap.String("handle", string(job.Handle)))
	}

	_, err = c.controller.Cancel(ctx, id)
	switch {
	case err == nil:
		c.logger.Info("job cancelled", zap.String("job_id", id.String()))
		return Cancelled, nil
	case errors.Is(err, download.ErrAlreadyTerminal):
		return AlreadyTerminal, nil
	case errors.Is(err, download.ErrNotFound):
		return NotFound, nil
	default:
		return 0, fmt.Errorf("cancel job %s: %w", id, err)
	}
}
