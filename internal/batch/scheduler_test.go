package batch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/session"
)

type fakeHandle struct {
	once sync.Once
	done chan session.Settlement
}

func (h *fakeHandle) Done() <-chan session.Settlement { return h.done }

func (h *fakeHandle) Abort(reason string) {
	h.settle(session.Settlement{Outcome: session.OutcomeAborted, Message: reason})
}

func (h *fakeHandle) settle(settlement session.Settlement) {
	h.once.Do(func() { h.done <- settlement })
}

type fakeRunner struct {
	mu      sync.Mutex
	handles map[uint]*fakeHandle
	order   []uint
	failFor map[uint]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handles: make(map[uint]*fakeHandle), failFor: make(map[uint]error)}
}

func (r *fakeRunner) Grade(_ context.Context, _ uint, studentID uint) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.failFor[studentID]; ok {
		return nil, err
	}

	handle := &fakeHandle{done: make(chan session.Settlement, 1)}
	r.handles[studentID] = handle
	r.order = append(r.order, studentID)
	return handle, nil
}

func (r *fakeRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *fakeRunner) handle(studentID uint) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[studentID]
}

func testScheduler(t *testing.T, runner Runner, concurrency int) *Scheduler {
	t.Helper()
	return New(runner, Config{
		Concurrency: concurrency,
		Stagger:     0,
		Logger:      zerolog.New(io.Discard),
	})
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("batch never settled")
	}
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	runner := newFakeRunner()
	scheduler := testScheduler(t, runner, 2)

	job := scheduler.Run(context.Background(), "batch-1", 1, []uint{1, 2, 3, 4, 5}, nil)

	require.Eventually(t, func() bool { return runner.startedCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, runner.startedCount())

	runner.handle(1).settle(session.Settlement{StudentID: 1, Outcome: session.OutcomeCompleted})
	require.Eventually(t, func() bool { return runner.startedCount() == 3 }, time.Second, 5*time.Millisecond)

	for _, studentID := range []uint{2, 3} {
		runner.handle(studentID).settle(session.Settlement{StudentID: studentID, Outcome: session.OutcomeCompleted})
	}
	require.Eventually(t, func() bool { return runner.startedCount() == 5 }, time.Second, 5*time.Millisecond)
	for _, studentID := range []uint{4, 5} {
		runner.handle(studentID).settle(session.Settlement{StudentID: studentID, Outcome: session.OutcomeCompleted})
	}

	waitDone(t, job)

	progress := job.Progress()
	require.Equal(t, 5, progress.Completed)
	require.Zero(t, progress.Failed)
	require.Zero(t, progress.Aborted)
	require.True(t, progress.Settled)
}

func TestSchedulerCountsOutcomesSeparately(t *testing.T) {
	runner := newFakeRunner()
	scheduler := testScheduler(t, runner, 4)

	var settledProgress Progress
	settled := make(chan struct{})
	job := scheduler.Run(context.Background(), "batch-2", 1, []uint{1, 2, 3}, func(p Progress) {
		settledProgress = p
		close(settled)
	})

	require.Eventually(t, func() bool { return runner.startedCount() == 3 }, time.Second, 5*time.Millisecond)

	runner.handle(1).settle(session.Settlement{StudentID: 1, Outcome: session.OutcomeCompleted})
	runner.handle(2).settle(session.Settlement{StudentID: 2, Outcome: session.OutcomeFailed, Class: session.ClassNetwork})
	runner.handle(3).settle(session.Settlement{StudentID: 3, Outcome: session.OutcomeAborted})

	waitDone(t, job)
	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("settle callback never fired")
	}

	require.Equal(t, 1, settledProgress.Completed)
	require.Equal(t, 1, settledProgress.Failed)
	require.Equal(t, 1, settledProgress.Aborted)
	require.True(t, settledProgress.Settled)
	require.Equal(t, "batch-2", settledProgress.BatchID)
	require.False(t, settledProgress.StartedAt.IsZero())
}

func TestSchedulerIsolatesLaunchFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.failFor[2] = errors.New("submission missing")
	scheduler := testScheduler(t, runner, 2)

	job := scheduler.Run(context.Background(), "batch-3", 1, []uint{1, 2, 3}, nil)

	require.Eventually(t, func() bool { return runner.startedCount() == 2 }, time.Second, 5*time.Millisecond)
	runner.handle(1).settle(session.Settlement{StudentID: 1, Outcome: session.OutcomeCompleted})
	runner.handle(3).settle(session.Settlement{StudentID: 3, Outcome: session.OutcomeCompleted})

	waitDone(t, job)

	progress := job.Progress()
	require.Equal(t, 2, progress.Completed)
	require.Equal(t, 1, progress.Failed)
}

func TestSchedulerStopDrainsQueueAndAbortsInFlight(t *testing.T) {
	runner := newFakeRunner()
	scheduler := testScheduler(t, runner, 1)

	job := scheduler.Run(context.Background(), "batch-4", 1, []uint{1, 2, 3, 4, 5}, nil)

	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, time.Second, 5*time.Millisecond)
	job.Stop()
	job.Stop()

	waitDone(t, job)

	progress := job.Progress()
	require.Zero(t, progress.Completed)
	require.Equal(t, 5, progress.Aborted)
	require.Zero(t, progress.Pending)
	require.Zero(t, progress.InFlight)
	require.True(t, progress.Settled)
	require.Equal(t, 1, runner.startedCount())
}

func TestSchedulerContextCancelDrains(t *testing.T) {
	runner := newFakeRunner()
	scheduler := testScheduler(t, runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	job := scheduler.Run(ctx, "batch-5", 1, []uint{1, 2, 3}, nil)

	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	waitDone(t, job)
	require.Equal(t, 3, job.Progress().Aborted)
}

func TestSchedulerAbortStudentLeavesOthersRunning(t *testing.T) {
	runner := newFakeRunner()
	scheduler := testScheduler(t, runner, 3)

	job := scheduler.Run(context.Background(), "batch-6", 1, []uint{1, 2, 3}, nil)

	require.Eventually(t, func() bool { return runner.startedCount() == 3 }, time.Second, 5*time.Millisecond)

	require.True(t, job.AbortStudent(2, "requested"))
	require.False(t, job.AbortStudent(99, "unknown"))

	runner.handle(1).settle(session.Settlement{StudentID: 1, Outcome: session.OutcomeCompleted})
	runner.handle(3).settle(session.Settlement{StudentID: 3, Outcome: session.OutcomeCompleted})

	waitDone(t, job)

	progress := job.Progress()
	require.Equal(t, 2, progress.Completed)
	require.Equal(t, 1, progress.Aborted)
}

func TestSchedulerGeneratesIDWhenEmpty(t *testing.T) {
	runner := newFakeRunner()
	scheduler := testScheduler(t, runner, 1)

	job := scheduler.Run(context.Background(), "", 1, nil, nil)
	require.NotEmpty(t, job.ID())
	waitDone(t, job)
}
