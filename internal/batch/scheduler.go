// Package batch drives many grading sessions concurrently under a fixed
// parallelism limit, isolating per-student failures and aggregating
// progress.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/session"
)

// Defaults applied when the caller leaves scheduler settings unset.
const (
	DefaultConcurrency = 3
	// DefaultStagger spaces out session starts so a full batch does not
	// hit the agent service and file storage at the same instant.
	DefaultStagger = 250 * time.Millisecond
)

// Handle is one in-flight grading run as seen by the scheduler.
type Handle interface {
	Done() <-chan session.Settlement
	Abort(reason string)
}

// Runner starts a grading run for one student. Implementations own document
// fetching, prompt construction and the session wiring.
type Runner interface {
	Grade(ctx context.Context, assignmentID, studentID uint) (Handle, error)
}

// Progress is a point-in-time snapshot of a batch run.
type Progress struct {
	BatchID        string    `json:"batch_id"`
	AssignmentID   uint      `json:"assignment_id"`
	Total          int       `json:"total"`
	Completed      int       `json:"completed"`
	Failed         int       `json:"failed"`
	Aborted        int       `json:"aborted"`
	Pending        int       `json:"pending"`
	InFlight       int       `json:"in_flight"`
	CurrentStudent uint      `json:"current_student"`
	Settled        bool      `json:"settled"`
	StartedAt      time.Time `json:"started_at"`
}

// Config tunes scheduler behaviour.
type Config struct {
	Concurrency int
	Stagger     time.Duration
	Logger      zerolog.Logger
}

// Scheduler fans an ordered student list out over grading runs.
type Scheduler struct {
	runner      Runner
	concurrency int
	stagger     time.Duration
	logger      zerolog.Logger
}

// New builds a scheduler backed by the given runner.
func New(runner Runner, cfg Config) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	stagger := cfg.Stagger
	if stagger < 0 {
		stagger = DefaultStagger
	}

	return &Scheduler{
		runner:      runner,
		concurrency: concurrency,
		stagger:     stagger,
		logger:      cfg.Logger.With().Str("component", "batch_scheduler").Logger(),
	}
}

// Job is one active batch run.
type Job struct {
	id           string
	assignmentID uint
	total        int
	startedAt    time.Time
	logger       zerolog.Logger

	mu             sync.Mutex
	queue          []uint
	inFlight       map[uint]Handle
	completed      int
	failed         int
	aborted        int
	currentStudent uint
	stopping       bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// OnSettle, when set before Run returns the job, fires once after the
	// batch settles.
	onSettle func(Progress)
}

type completion struct {
	studentID  uint
	settlement session.Settlement
}

// Run starts grading every student in order, at most the configured number
// at once, and returns the live job. Callers observe progress via the job.
// An empty id gets a generated one.
func (s *Scheduler) Run(ctx context.Context, id string, assignmentID uint, studentIDs []uint, onSettle func(Progress)) *Job {
	if id == "" {
		id = uuid.NewString()
	}

	queue := make([]uint, len(studentIDs))
	copy(queue, studentIDs)

	job := &Job{
		id:           id,
		assignmentID: assignmentID,
		total:        len(queue),
		startedAt:    time.Now().UTC(),
		queue:        queue,
		inFlight:     make(map[uint]Handle),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		onSettle:     onSettle,
	}
	job.logger = s.logger.With().Str("batch_id", job.id).Uint("assignment_id", assignmentID).Logger()

	observability.BatchesStarted().Inc()
	job.logger.Info().Int("students", job.total).Int("concurrency", s.concurrency).Msg("batch run started")

	go s.loop(ctx, job)

	return job
}

// loop tops the in-flight set up to the limit, then blocks until a
// completion or a stop signal arrives. It never polls.
func (s *Scheduler) loop(ctx context.Context, job *Job) {
	completions := make(chan completion)
	stopCh := job.stop
	ctxDone := ctx.Done()

	for {
		s.topUp(ctx, job, completions)

		job.mu.Lock()
		idle := len(job.inFlight) == 0 && (len(job.queue) == 0 || job.stopping)
		job.mu.Unlock()
		if idle {
			break
		}

		select {
		case c := <-completions:
			job.record(c)
		case <-stopCh:
			job.drain("batch stopped")
			stopCh = nil
		case <-ctxDone:
			job.drain("batch context cancelled")
			ctxDone = nil
		}
	}

	progress := job.Progress()
	job.logger.Info().
		Int("completed", progress.Completed).
		Int("failed", progress.Failed).
		Int("aborted", progress.Aborted).
		Msg("batch run settled")

	if job.onSettle != nil {
		job.onSettle(progress)
	}
	close(job.done)
}

// topUp starts queued students until the concurrency limit is reached,
// spacing starts by the stagger delay.
func (s *Scheduler) topUp(ctx context.Context, job *Job, completions chan<- completion) {
	for {
		job.mu.Lock()
		if job.stopping || len(job.queue) == 0 || len(job.inFlight) >= s.concurrency {
			job.mu.Unlock()
			return
		}
		studentID := job.queue[0]
		job.queue = job.queue[1:]
		job.mu.Unlock()

		handle, err := s.runner.Grade(ctx, job.assignmentID, studentID)
		if err != nil {
			// One student failing to launch must not sink the batch.
			job.logger.Error().Err(err).Uint("student_id", studentID).Msg("failed to start grading run")
			job.mu.Lock()
			job.failed++
			job.mu.Unlock()
			continue
		}

		job.mu.Lock()
		job.inFlight[studentID] = handle
		job.currentStudent = studentID
		job.mu.Unlock()

		go func(studentID uint, handle Handle) {
			settlement := <-handle.Done()
			completions <- completion{studentID: studentID, settlement: settlement}
		}(studentID, handle)

		if s.stagger > 0 {
			select {
			case <-time.After(s.stagger):
			case <-job.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (j *Job) record(c completion) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.inFlight, c.studentID)
	switch c.settlement.Outcome {
	case session.OutcomeCompleted:
		j.completed++
	case session.OutcomeAborted:
		j.aborted++
	default:
		j.failed++
	}
}

// drain discards the pending queue and aborts everything in flight without
// starting new work.
func (j *Job) drain(reason string) {
	j.mu.Lock()
	j.stopping = true
	dropped := len(j.queue)
	j.queue = nil
	handles := make([]Handle, 0, len(j.inFlight))
	for _, handle := range j.inFlight {
		handles = append(handles, handle)
	}
	j.aborted += dropped
	j.mu.Unlock()

	j.logger.Info().Str("reason", reason).Int("dropped", dropped).Int("in_flight", len(handles)).Msg("draining batch")
	for _, handle := range handles {
		handle.Abort(reason)
	}
}

// ID returns the batch identifier.
func (j *Job) ID() string { return j.id }

// Done is closed once the batch settles.
func (j *Job) Done() <-chan struct{} { return j.done }

// Stop aborts every in-flight session and drains the remaining queue.
func (j *Job) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// AbortStudent aborts a single in-flight session. Queued or settled
// students are unaffected and the call reports whether anything happened.
func (j *Job) AbortStudent(studentID uint, reason string) bool {
	j.mu.Lock()
	handle, ok := j.inFlight[studentID]
	j.mu.Unlock()

	if !ok {
		return false
	}

	handle.Abort(reason)
	return true
}

// Progress returns a snapshot of the run.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	settled := len(j.inFlight) == 0 && (len(j.queue) == 0 || j.stopping)

	return Progress{
		BatchID:        j.id,
		AssignmentID:   j.assignmentID,
		Total:          j.total,
		Completed:      j.completed,
		Failed:         j.failed,
		Aborted:        j.aborted,
		Pending:        len(j.queue),
		InFlight:       len(j.inFlight),
		CurrentStudent: j.currentStudent,
		Settled:        settled,
		StartedAt:      j.startedAt,
	}
}
