package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

// JobStore provides an in-memory implementation for development/testing.
// Lookups go through a sync.Map and every record carries its own mutex, so
// writers for different jobs never contend.
type JobStore struct {
	records  sync.Map // uuid.UUID -> *record
	sessions atomic.Int64
}

type record struct {
	mu  sync.Mutex
	job download.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job download.Job) error {
	rec := &record{job: cloneJob(job)}
	if _, loaded := s.records.LoadOrStore(job.ID, rec); loaded {
		return download.ErrAlreadyExists
	}
	return nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(_ context.Context, id uuid.UUID) (download.Job, error) {
	rec, ok := s.load(id)
	if !ok {
		return download.Job{}, download.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneJob(rec.job), nil
}

// List returns jobs ordered newest first.
func (s *JobStore) List(_ context.Context, limit, offset int) ([]download.Job, error) {
	jobs := s.snapshot(func(download.Job) bool { return true })
	if offset >= len(jobs) {
		return []download.Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListByStatus returns every job currently in status, newest first.
func (s *JobStore) ListByStatus(_ context.Context, status download.Status) ([]download.Job, error) {
	return s.snapshot(func(job download.Job) bool { return job.Status == status }), nil
}

// Transition applies t under the record's lock.
func (s *JobStore) Transition(_ context.Context, id uuid.UUID, t download.Transition) (download.Job, error) {
	rec, ok := s.load(id)
	if !ok {
		return download.Job{}, download.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	updated, err := t.Apply(rec.job)
	if err != nil {
		return cloneJob(rec.job), err
	}
	rec.job = updated
	return cloneJob(updated), nil
}

// AdvanceProgress raises progress while the job is running.
func (s *JobStore) AdvanceProgress(_ context.Context, id uuid.UUID, pct float64, at time.Time) (bool, error) {
	rec, ok := s.load(id)
	if !ok {
		return false, download.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status != download.StatusInProgress || pct <= rec.job.Progress {
		return false, nil
	}
	rec.job.Progress = pct
	rec.job.UpdatedAt = at.UTC()
	return true, nil
}

// AttachHandle records the execution handle of a live job.
func (s *JobStore) AttachHandle(_ context.Context, id uuid.UUID, handle download.Handle, at time.Time) (bool, error) {
	rec, ok := s.load(id)
	if !ok {
		return false, download.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.Status.IsTerminal() {
		return false, nil
	}
	rec.job.Handle = handle
	rec.job.UpdatedAt = at.UTC()
	return true, nil
}

// Acquire returns a session over the same records.
func (s *JobStore) Acquire(context.Context) (download.Session, error) {
	s.sessions.Add(1)
	return &session{JobStore: s}, nil
}

// OpenSessions reports how many acquired sessions have not been released.
func (s *JobStore) OpenSessions() int64 {
	return s.sessions.Load()
}

// Ping always succeeds.
func (s *JobStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *JobStore) Close() error {
	return nil
}

func (s *JobStore) load(id uuid.UUID) (*record, bool) {
	v, ok := s.records.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

func (s *JobStore) snapshot(keep func(download.Job) bool) []download.Job {
	jobs := make([]download.Job, 0)
	s.records.Range(func(_, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		job := cloneJob(rec.job)
		rec.mu.Unlock()
		if keep(job) {
			jobs = append(jobs, job)
		}
		return true
	})
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID.String() > jobs[j].ID.String()
	})
	return jobs
}

type session struct {
	*JobStore
	once sync.Once
}

func (s *session) Release() {
	s.once.Do(func() {
		s.sessions.Add(-1)
	})
}

func cloneJob(job download.Job) download.Job {
	if job.Output != nil {
		out := *job.Output
		job.Output = &out
	}
	return job
}
