// Package dispatcher registers executions, hands them to the queue and fans
// queue work out to a bounded pool of workers. It owns the handle registry
// used to revoke pending or running executions.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// HandleGenerator produces execution handles.
type HandleGenerator interface {
	NewHandle() (download.Handle, error)
}

// Runner is a worker loop started by Run.
type Runner interface {
	Run(ctx context.Context)
}

type state uint8

const (
	statePending state = iota + 1
	stateRunning
	stateRevoked
)

type execution struct {
	jobID  uuid.UUID
	state  state
	cancel context.CancelCauseFunc
}

// Dispatcher implements download.Dispatcher over a download.Queue.
type Dispatcher struct {
	queue   download.Queue
	handles HandleGenerator
	clock   download.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	executions map[download.Handle]*execution
	active     map[uuid.UUID]download.Handle
}

// New creates a Dispatcher.
func New(queue download.Queue, handles HandleGenerator, clock download.Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:      queue,
		handles:    handles,
		clock:      clock,
		logger:     logger,
		executions: make(map[download.Handle]*execution),
		active:     make(map[uuid.UUID]download.Handle),
	}
}

// Submit registers a pending execution for jobID and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, jobID uuid.UUID, sourceURL string) (download.Handle, error) {
	handle, err := d.handles.NewHandle()
	if err != nil {
		return "", fmt.Errorf("new handle: %w", err)
	}

	d.mu.Lock()
	if existing, ok := d.active[jobID]; ok {
		d.mu.Unlock()
		return "", fmt.Errorf("job %s has execution %s: %w", jobID, existing, download.ErrAlreadyDispatched)
	}
	d.executions[handle] = &execution{jobID: jobID, state: statePending}
	d.active[jobID] = handle
	d.mu.Unlock()

	item := download.QueueItem{
		JobID:     jobID,
		SourceURL: sourceURL,
		Handle:    handle,
		Submitted: d.clock.Now(),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.forget(handle)
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("execution dispatched", zap.String("job_id", jobID.String()), zap.String("handle", string(handle)))
	return handle, nil
}

// Revoke cancels the execution behind h. A pending execution is marked so
// the worker drops it on claim; a running one has its context cancelled
// with download.ErrRevoked as the cause.
func (d *Dispatcher) Revoke(h download.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revokeLocked(h)
}

// RevokeJob revokes the live execution for jobID, if any. It covers the
// window where Submit has enqueued the execution but the handle is not yet
// stored on the job record.
func (d *Dispatcher) RevokeJob(jobID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.active[jobID]
	if !ok {
		return false
	}
	return d.revokeLocked(h)
}

func (d *Dispatcher) revokeLocked(h download.Handle) bool {
	exec, ok := d.executions[h]
	if !ok {
		return false
	}
	switch exec.state {
	case statePending:
		exec.state = stateRevoked
		delete(d.active, exec.jobID)
	case stateRunning:
		exec.state = stateRevoked
		exec.cancel(download.ErrRevoked)
	case stateRevoked:
		return false
	}
	d.logger.Info("execution revoked", zap.String("job_id", exec.jobID.String()), zap.String("handle", string(h)))
	return true
}

// Claim marks item's execution as running and returns the context the
// worker must run it under. It reports false when the execution was revoked
// before a worker picked it up. Items submitted by another process are
// adopted so they can still be revoked locally.
func (d *Dispatcher) Claim(ctx context.Context, item download.QueueItem) (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exec, ok := d.executions[item.Handle]
	if !ok {
		if _, busy := d.active[item.JobID]; busy {
			return nil, false
		}
		exec = &execution{jobID: item.JobID, state: statePending}
		d.executions[item.Handle] = exec
		d.active[item.JobID] = item.Handle
	}
	if exec.state != statePending {
		if exec.state == stateRevoked {
			delete(d.executions, item.Handle)
		}
		return nil, false
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	exec.state = stateRunning
	exec.cancel = cancel
	if !item.Submitted.IsZero() {
		metrics.ObserveQueueWait(d.clock.Now().Sub(item.Submitted))
	}
	return runCtx, true
}

// Release forgets a claimed execution once its worker is done with it.
func (d *Dispatcher) Release(h download.Handle) {
	d.forget(h)
}

// Pending reports the number of registered executions that are not yet
// finished.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) forget(h download.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exec, ok := d.executions[h]
	if !ok {
		return
	}
	if exec.cancel != nil {
		exec.cancel(context.Canceled)
	}
	delete(d.executions, h)
	if d.active[exec.jobID] == h {
		delete(d.active, exec.jobID)
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context, workers ...Runner) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
