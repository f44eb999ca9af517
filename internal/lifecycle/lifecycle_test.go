package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/dispatcher"
	"github.com/JakeFAU/media-fetcher/internal/download"
	iduuid "github.com/JakeFAU/media-fetcher/internal/id/uuid"
	"github.com/JakeFAU/media-fetcher/internal/progress"
	queuememory "github.com/JakeFAU/media-fetcher/internal/queue/memory"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Stage(nil), e.stages...)
}

type harness struct {
	store       *memory.JobStore
	queue       *queuememory.Queue
	dispatcher  *dispatcher.Dispatcher
	controller  *Controller
	coordinator *Coordinator
	emitter     *recordingEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := memory.NewJobStore()
	queue := queuememory.NewQueue(16)
	disp := dispatcher.New(queue, iduuid.New(), clock, zap.NewNop())
	emitter := &recordingEmitter{}
	ctrl := NewController(store, disp, iduuid.New(), clock, emitter, Config{}, zap.NewNop())
	return &harness{
		store:       store,
		queue:       queue,
		dispatcher:  disp,
		controller:  ctrl,
		coordinator: NewCoordinator(ctrl, disp, zap.NewNop()),
		emitter:     emitter,
	}
}

// claim dequeues the next execution the way a worker does.
func (h *harness) claim(t *testing.T) (download.QueueItem, context.Context, bool) {
	t.Helper()
	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	ctx, ok := h.dispatcher.Claim(context.Background(), item)
	return item, ctx, ok
}

func TestSubmitCreatesQueuedJobWithHandle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.controller.Submit(ctx, "  https://www.youtube.com/watch?v=abc  ")
	require.NoError(t, err)
	require.Equal(t, download.StatusQueued, job.Status)
	require.Equal(t, "https://www.youtube.com/watch?v=abc", job.SourceURL)
	require.Zero(t, job.Progress)
	require.NotEmpty(t, job.Handle)
	require.Equal(t, 7, int(job.ID.Version()))

	item, _, ok := h.claim(t)
	require.True(t, ok)
	require.Equal(t, job.ID, item.JobID)
	require.Equal(t, job.Handle, item.Handle)
	require.Equal(t, []progress.Stage{progress.StageJobQueued}, h.emitter.Stages())
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.controller.Submit(context.Background(), "ftp://example.com/file")
	require.ErrorIs(t, err, download.ErrInvalidURL)

	jobs, err := h.controller.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Submit(ctx context.Context, jobID uuid.UUID, sourceURL string) (download.Handle, error) {
	args := m.Called(ctx, jobID, sourceURL)
	return args.Get(0).(download.Handle), args.Error(1)
}

func (m *mockDispatcher) Revoke(h download.Handle) bool {
	return m.Called(h).Bool(0)
}

func (m *mockDispatcher) RevokeJob(jobID uuid.UUID) bool {
	return m.Called(jobID).Bool(0)
}

func TestSubmitCancelsJobWhenDispatchFails(t *testing.T) {
	t.Parallel()
	store := memory.NewJobStore()
	disp := &mockDispatcher{}
	boom := errors.New("queue full")
	disp.On("Submit", mock.Anything, mock.Anything, "https://example.com/a").Return(download.Handle(""), boom).Once()
	ctrl := NewController(store, disp, iduuid.New(), &fakeClock{now: time.Unix(0, 0)}, nil, Config{}, nil)

	_, err := ctrl.Submit(context.Background(), "https://example.com/a")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, ErrNotDispatched)
	disp.AssertExpectations(t)

	jobs, err := store.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, download.StatusCancelled, jobs[0].Status)
	require.Empty(t, jobs[0].Handle)
}

func TestTransitionsFollowStateMachine(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.controller.Submit(ctx, "https://example.com/a")
	require.NoError(t, err)

	_, err = h.controller.Complete(ctx, job.ID, download.Output{Filename: "a.mp4"})
	require.Error(t, err, "complete is not allowed from queued")
	require.NotErrorIs(t, err, download.ErrAlreadyTerminal)

	started, err := h.controller.Start(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, download.StatusInProgress, started.Status)
	require.Zero(t, started.Progress)

	failed, err := h.controller.Fail(ctx, job.ID, &download.FetchError{Message: "ERROR: Unsupported URL"})
	require.NoError(t, err)
	require.Equal(t, download.StatusFailed, failed.Status)
	require.Equal(t, "ERROR: Unsupported URL", failed.Error)
	require.Empty(t, failed.Handle)

	for _, op := range []func() error{
		func() error { _, err := h.controller.Start(ctx, job.ID); return err },
		func() error { _, err := h.controller.Complete(ctx, job.ID, download.Output{}); return err },
		func() error { _, err := h.controller.Cancel(ctx, job.ID); return err },
	} {
		require.ErrorIs(t, op(), download.ErrAlreadyTerminal)
	}
	got, err := h.controller.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, failed, got)
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.controller.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, download.ErrNotFound)
}

func TestCancelWhileQueuedSkipsExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.controller.Submit(ctx, "https://example.com/a")
	require.NoError(t, err)

	res, err := h.coordinator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, Cancelled, res)

	got, err := h.controller.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, download.StatusCancelled, got.Status)
	require.Empty(t, got.Handle)

	_, _, ok := h.claim(t)
	require.False(t, ok, "revoked execution must never start")
	_, err = h.controller.Start(ctx, job.ID)
	require.ErrorIs(t, err, download.ErrAlreadyTerminal)
}

func TestCancelRunningRevokesExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.controller.Submit(ctx, "https://example.com/a")
	require.NoError(t, err)
	_, runCtx, ok := h.claim(t)
	require.True(t, ok)
	_, err = h.controller.Start(ctx, job.ID)
	require.NoError(t, err)

	res, err := h.coordinator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, Cancelled, res)
	require.ErrorIs(t, context.Cause(runCtx), download.ErrRevoked)

	res, err = h.coordinator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, AlreadyTerminal, res)
}

// detachedStore loses every AttachHandle write, leaving records without a handle.
type detachedStore struct {
	*memory.JobStore
}

func (detachedStore) AttachHandle(context.Context, uuid.UUID, download.Handle, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestSubmitSurvivesAttachFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctrl := NewController(detachedStore{h.store}, h.dispatcher, iduuid.New(), &fakeClock{now: time.Unix(0, 0)}, nil, Config{}, zap.NewNop())
	coord := NewCoordinator(ctrl, h.dispatcher, zap.NewNop())
	ctx := context.Background()

	job, err := ctrl.Submit(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, download.StatusQueued, job.Status)
	require.Empty(t, job.Handle)
	require.Equal(t, 1, h.dispatcher.Pending())

	res, err := coord.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, Cancelled, res)
	require.Zero(t, h.dispatcher.Pending())

	_, runCtx, ok := h.claim(t)
	require.False(t, ok, "a cancelled job never starts")
	require.Nil(t, runCtx)
}

func TestCancelRevokesRunningExecutionWithoutHandle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job := download.NewJob(uuid.New(), "https://example.com/a", time.Unix(0, 0))
	require.NoError(t, h.store.Create(ctx, job))
	_, err := h.dispatcher.Submit(ctx, job.ID, job.SourceURL)
	require.NoError(t, err)
	_, runCtx, ok := h.claim(t)
	require.True(t, ok)
	_, err = h.controller.Start(ctx, job.ID)
	require.NoError(t, err)

	res, err := h.coordinator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, Cancelled, res)
	require.ErrorIs(t, context.Cause(runCtx), download.ErrRevoked)
}

func TestCancelResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coordinator.Cancel(ctx, uuid.New())
	require.NoError(t, err)
	require.Equal(t, NotFound, res)

	job, err := h.controller.Submit(ctx, "https://example.com/a")
	require.NoError(t, err)
	_, err = h.controller.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = h.controller.Complete(ctx, job.ID, download.Output{Filename: "a.mp4", Path: "file:///tmp/a.mp4", Size: 3})
	require.NoError(t, err)

	res, err = h.coordinator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, AlreadyTerminal, res)

	text, err := res.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "already_terminal", string(text))
}

// TestCancelRacesCompletion runs cancel and completion concurrently: exactly
// one terminal write wins and the record never changes afterwards.
func TestCancelRacesCompletion(t *testing.T) {
	t.Parallel()
	for range 50 {
		h := newHarness(t)
		ctx := context.Background()
		job, err := h.controller.Submit(ctx, "https://example.com/a")
		require.NoError(t, err)
		_, err = h.controller.Start(ctx, job.ID)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			result    CancelResult
			cancelErr error
			doneErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			result, cancelErr = h.coordinator.Cancel(ctx, job.ID)
		}()
		go func() {
			defer wg.Done()
			_, doneErr = h.controller.Complete(ctx, job.ID, download.Output{Filename: "a.mp4"})
		}()
		wg.Wait()
		require.NoError(t, cancelErr)

		got, err := h.controller.Get(ctx, job.ID)
		require.NoError(t, err)
		switch got.Status {
		case download.StatusCancelled:
			require.Equal(t, Cancelled, result)
			require.ErrorIs(t, doneErr, download.ErrAlreadyTerminal)
			require.Nil(t, got.Output)
		case download.StatusCompleted:
			require.Equal(t, AlreadyTerminal, result)
			require.NoError(t, doneErr)
			require.Equal(t, 100.0, got.Progress)
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	}
}

func TestListNewestFirstWithLimits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		job, err := h.controller.Submit(ctx, u)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	one, err := h.controller.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, ids[2], one[0].ID)

	all, err := h.controller.List(ctx, 0, -5)
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := h.controller.List(ctx, 10_000, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[1], page[0].ID)
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := memory.NewJobStore()

	running := download.NewJob(uuid.New(), "https://example.com/running", clock.Now())
	queued := download.NewJob(uuid.New(), "https://example.com/queued", clock.Now())
	done := download.NewJob(uuid.New(), "https://example.com/done", clock.Now())
	for _, j := range []download.Job{running, queued, done} {
		require.NoError(t, store.Create(ctx, j))
	}
	_, err := store.Transition(ctx, running.ID, download.StartTransition(clock.Now()))
	require.NoError(t, err)
	_, err = store.Transition(ctx, done.ID, download.CancelTransition(clock.Now()))
	require.NoError(t, err)

	queue := queuememory.NewQueue(4)
	disp := dispatcher.New(queue, iduuid.New(), clock, nil)
	ctrl := NewController(store, disp, iduuid.New(), clock, nil, Config{}, nil)

	n, err := ctrl.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := store.Get(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, download.StatusFailed, got.Status)
	require.Equal(t, InterruptedDetail, got.Error)

	got, err = store.Get(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, download.StatusQueued, got.Status)
	require.NotEmpty(t, got.Handle)
	require.Equal(t, 1, queue.Len())

	n, err = ctrl.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "a queued job with a live execution is not dispatched twice")
}
