package download

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Writer holds the conditional mutations of the job record store. Every
// method is keyed on the job id and guarded by the expected status, so
// concurrent writers never need a store-wide lock.
type Writer interface {
	// Transition applies t atomically and returns the updated job. It returns
	// ErrNotFound for an unknown id and *StaleStatusError when the job is not
	// in one of t.From.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (Job, error)
	// AdvanceProgress raises progress to pct while the job is InProgress.
	// It reports whether a write happened; lower values and non-running jobs
	// are no-ops.
	AdvanceProgress(ctx context.Context, id uuid.UUID, pct float64, at time.Time) (bool, error)
	// AttachHandle records the execution handle while the job is Queued or
	// InProgress.
	AttachHandle(ctx context.Context, id uuid.UUID, handle Handle, at time.Time) (bool, error)
}

// Session is a scoped store handle held for the writes of one execution.
// Release must be called on every exit path.
type Session interface {
	Writer
	Release()
}

// Store is the durable job record store and sole source of truth for job
// state.
type Store interface {
	Writer
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	// List returns jobs newest first.
	List(ctx context.Context, limit, offset int) ([]Job, error)
	ListByStatus(ctx context.Context, status Status) ([]Job, error)
	Acquire(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// Queue provides enqueue/dequeue semantics for dispatched executions.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Close() error
}

// Dispatcher hands jobs to the worker pool and revokes them on request.
type Dispatcher interface {
	// Submit registers and enqueues an execution, returning immediately.
	// It returns ErrAlreadyDispatched while jobID has a pending or running
	// execution.
	Submit(ctx context.Context, jobID uuid.UUID, sourceURL string) (Handle, error)
	// Revoke signals the execution behind h. It reports whether a pending or
	// running execution was found.
	Revoke(h Handle) bool
	// RevokeJob signals the live execution registered for jobID, for callers
	// that do not yet hold its handle.
	RevokeJob(jobID uuid.UUID) bool
}

// ProgressReporter receives progress signals from a Fetcher for one job.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, pct float64)
	ReportFinishedStage(ctx context.Context)
}

// Fetcher retrieves the content behind a source URL.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, progress ProgressReporter) (Output, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
