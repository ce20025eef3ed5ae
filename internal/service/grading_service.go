// Package service wires the grading core to its collaborators: submissions,
// documents, the agent runner, the rendering surface and the results store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/batch"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/session"
	"github.com/noah-isme/gema-grader/pkg/agent"
	"github.com/noah-isme/gema-grader/pkg/document"
)

// ErrBatchNotFound indicates the batch id matches no live or cached run.
var ErrBatchNotFound = errors.New("batch not found")

// ErrResultNotFound indicates no grading result is persisted for the pair.
var ErrResultNotFound = errors.New("grading result not found")

// ErrStudentNotInFlight indicates the student has no active session in the batch.
var ErrStudentNotInFlight = errors.New("student not in flight")

const progressCachePrefix = "gema:grader:batch:"

// GradingConfig tunes batch and session behaviour.
type GradingConfig struct {
	Concurrency      int
	Stagger          time.Duration
	CoalesceWindow   time.Duration
	SessionTimeout   time.Duration
	ProgressCacheTTL time.Duration
}

// GradingService runs batch grading and exposes results.
type GradingService interface {
	StartBatch(ctx context.Context, payload dto.BatchCreateRequest) (dto.BatchProgressResponse, error)
	Progress(ctx context.Context, batchID string) (dto.BatchProgressResponse, error)
	StopBatch(ctx context.Context, batchID string) error
	AbortStudent(ctx context.Context, batchID string, studentID uint, reason string) error
	Result(ctx context.Context, assignmentID, studentID uint) (dto.GradingResultResponse, error)
	ClearResult(ctx context.Context, assignmentID, studentID uint) error
	Errors(ctx context.Context, assignmentID uint) ([]dto.GradingErrorResponse, error)
}

type gradingService struct {
	submissions repository.SubmissionRepository
	runs        repository.GradingRepository
	store       session.Store
	documents   document.Service
	agent       agent.Runner
	renderer    RenderService
	publisher   *EventPublisher
	redis       *redis.Client
	cfg         GradingConfig
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer

	mu   sync.Mutex
	jobs map[string]*batch.Job
}

// NewGradingService constructs the grading orchestrator.
func NewGradingService(
	submissions repository.SubmissionRepository,
	runs repository.GradingRepository,
	store session.Store,
	documents document.Service,
	runner agent.Runner,
	renderer RenderService,
	publisher *EventPublisher,
	redisClient *redis.Client,
	cfg GradingConfig,
	validate *validator.Validate,
	logger zerolog.Logger,
) GradingService {
	return &gradingService{
		submissions: submissions,
		runs:        runs,
		store:       store,
		documents:   documents,
		agent:       runner,
		renderer:    renderer,
		publisher:   publisher,
		redis:       redisClient,
		cfg:         cfg,
		validator:   validate,
		logger:      logger.With().Str("component", "grading_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/grading"),
		jobs:        make(map[string]*batch.Job),
	}
}

func (s *gradingService) StartBatch(ctx context.Context, payload dto.BatchCreateRequest) (dto.BatchProgressResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.start_batch", trace.WithAttributes(
		attribute.Int64("grading.assignment_id", int64(payload.AssignmentID)),
		attribute.Int("grading.students", len(payload.StudentIDs)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.BatchProgressResponse{}, err
	}

	concurrency := payload.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Concurrency
	}

	batchID := uuid.NewString()
	runner := &batchRun{
		svc:      s,
		batchID:  batchID,
		registry: session.NewRegistry(),
	}
	scheduler := batch.New(runner, batch.Config{
		Concurrency: concurrency,
		Stagger:     s.cfg.Stagger,
		Logger:      s.logger,
	})

	// The batch outlives the HTTP request that started it.
	job := scheduler.Run(context.Background(), batchID, payload.AssignmentID, payload.StudentIDs, s.onBatchSettled)

	s.mu.Lock()
	s.jobs[job.ID()] = job
	s.mu.Unlock()

	progress := job.Progress()
	s.cacheProgress(progress)
	span.SetAttributes(attribute.String("grading.batch_id", job.ID()))

	return dto.NewBatchProgressResponse(progress), nil
}

func (s *gradingService) onBatchSettled(progress batch.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.publisher.Publish(ctx, LifecycleEvent{
		Kind:         EventBatchSettled,
		BatchID:      progress.BatchID,
		AssignmentID: progress.AssignmentID,
		Message: fmt.Sprintf("completed=%d failed=%d aborted=%d",
			progress.Completed, progress.Failed, progress.Aborted),
	})
	s.cacheProgress(progress)
	if s.renderer != nil {
		s.renderer.BroadcastProgress(progress.AssignmentID, dto.NewBatchProgressResponse(progress))
	}
}

func (s *gradingService) Progress(ctx context.Context, batchID string) (dto.BatchProgressResponse, error) {
	if job := s.job(batchID); job != nil {
		return dto.NewBatchProgressResponse(job.Progress()), nil
	}

	if s.redis != nil {
		cached, err := s.redis.Get(ctx, progressCachePrefix+batchID).Result()
		if err == nil {
			var progress dto.BatchProgressResponse
			if err := json.Unmarshal([]byte(cached), &progress); err == nil {
				return progress, nil
			}
		}
	}

	return dto.BatchProgressResponse{}, ErrBatchNotFound
}

func (s *gradingService) StopBatch(ctx context.Context, batchID string) error {
	job := s.job(batchID)
	if job == nil {
		return ErrBatchNotFound
	}

	s.logger.Info().Str("batch_id", batchID).Msg("stopping batch run")
	job.Stop()
	return nil
}

func (s *gradingService) AbortStudent(ctx context.Context, batchID string, studentID uint, reason string) error {
	job := s.job(batchID)
	if job == nil {
		return ErrBatchNotFound
	}

	if reason == "" {
		reason = "aborted by user"
	}
	if !job.AbortStudent(studentID, reason) {
		return ErrStudentNotInFlight
	}
	return nil
}

func (s *gradingService) Result(ctx context.Context, assignmentID, studentID uint) (dto.GradingResultResponse, error) {
	run, err := s.runs.Get(ctx, assignmentID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingResultResponse{}, ErrResultNotFound
		}
		return dto.GradingResultResponse{}, err
	}

	return dto.NewGradingResultResponse(run), nil
}

func (s *gradingService) ClearResult(ctx context.Context, assignmentID, studentID uint) error {
	return s.runs.Delete(ctx, assignmentID, studentID)
}

func (s *gradingService) Errors(ctx context.Context, assignmentID uint) ([]dto.GradingErrorResponse, error) {
	records, err := s.runs.ListErrors(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return dto.NewGradingErrorResponseSlice(records), nil
}

func (s *gradingService) job(batchID string) *batch.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[batchID]
}

func (s *gradingService) cacheProgress(progress batch.Progress) {
	if s.redis == nil {
		return
	}

	payload, err := json.Marshal(dto.NewBatchProgressResponse(progress))
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal batch progress")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ttl := s.cfg.ProgressCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if err := s.redis.Set(ctx, progressCachePrefix+progress.BatchID, payload, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache batch progress")
	}
}

// batchRun adapts the grading service to the scheduler's Runner contract.
// Each batch owns its own progress registry.
type batchRun struct {
	svc      *gradingService
	batchID  string
	registry *session.Registry
}

// Grade resolves the student's submission, spins up a session and starts
// the document fetch plus agent run in the background. The returned handle
// settles when the session does.
func (r *batchRun) Grade(ctx context.Context, assignmentID, studentID uint) (batch.Handle, error) {
	svc := r.svc

	submission, err := svc.submissions.GetByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err != nil {
		return nil, fmt.Errorf("load submission for student %d: %w", studentID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	sess := session.New(session.Config{
		AssignmentID:   assignmentID,
		StudentID:      studentID,
		Surface:        svc.renderer,
		Store:          svc.store,
		Registry:       r.registry,
		CoalesceWindow: svc.cfg.CoalesceWindow,
		Timeout:        svc.cfg.SessionTimeout,
		CancelRun:      func(string) { cancel() },
		Logger:         svc.logger,
	})

	if svc.renderer != nil {
		svc.renderer.Register(sess.ID(), assignmentID)
	}
	sess.Start()

	if err := svc.submissions.UpdateStatus(ctx, submission.ID, models.SubmissionStatusGrading); err != nil {
		svc.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to mark submission as grading")
	}

	observed := make(chan session.Settlement, 1)
	go svc.runSession(runCtx, sess, submission)
	go svc.observe(cancel, sess, r.batchID, observed)

	return &gradingHandle{sess: sess, done: observed}, nil
}

type gradingHandle struct {
	sess *session.Session
	done chan session.Settlement
}

func (h *gradingHandle) Done() <-chan session.Settlement { return h.done }

func (h *gradingHandle) Abort(reason string) { h.sess.Abort(reason) }

// runSession performs the blocking part of one grading run: document fetch,
// prompt construction and the streamed agent call. All outcomes are routed
// through the session so its state machine stays the single authority.
func (s *gradingService) runSession(ctx context.Context, sess *session.Session, submission models.Submission) {
	doc, err := s.documents.Fetch(ctx, submission.FileURL)
	if err != nil {
		if ctx.Err() != nil {
			// Session already aborted; nothing to report.
			return
		}
		class := session.ClassNetwork
		if errors.Is(err, document.ErrUnsupportedType) {
			class = session.ClassFormat
		}
		sess.Error(err.Error(), class)
		return
	}

	sess.SetElementCounts(doc.Counts)

	prompt := agent.BuildPrompt(agent.PromptInput{
		AssignmentTitle: submission.Assignment.Title,
		Instructions:    submission.Assignment.Instructions,
		DocumentText:    doc.Text,
		ElementCounts:   doc.Counts,
	})

	if err := s.agent.Run(ctx, sess.ID(), prompt, &sessionEvents{sess: sess}); err != nil {
		// The events adapter already delivered the terminal signal.
		s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("agent run ended with error")
	}
}

// observe waits for the settlement, runs the side effects and forwards it
// to the scheduler.
func (s *gradingService) observe(cancel context.CancelFunc, sess *session.Session, batchID string, observed chan<- session.Settlement) {
	settlement := <-sess.Done()
	cancel()

	if s.renderer != nil {
		s.renderer.Release(sess.ID())
	}

	kind := EventSessionCompleted
	switch settlement.Outcome {
	case session.OutcomeFailed:
		kind = EventSessionFailed
	case session.OutcomeAborted:
		kind = EventSessionAborted
	}

	ctx, cancelPublish := context.WithTimeout(context.Background(), 5*time.Second)
	s.publisher.Publish(ctx, LifecycleEvent{
		Kind:           kind,
		BatchID:        batchID,
		SessionID:      settlement.SessionID,
		AssignmentID:   settlement.AssignmentID,
		StudentID:      settlement.StudentID,
		Classification: string(settlement.Class),
		Message:        settlement.Message,
	})
	cancelPublish()

	observed <- settlement

	if job := s.job(batchID); job != nil {
		progress := job.Progress()
		s.cacheProgress(progress)
		if s.renderer != nil {
			s.renderer.BroadcastProgress(progress.AssignmentID, dto.NewBatchProgressResponse(progress))
		}
	}
}

// sessionEvents routes agent callbacks into the session state machine.
// Signals racing a terminal transition are dropped by the session itself.
type sessionEvents struct {
	sess *session.Session
}

func (e *sessionEvents) Token(sessionID, text string) {
	if sessionID != e.sess.ID() {
		return
	}
	e.sess.Token(text)
}

func (e *sessionEvents) Done(sessionID, summary string) {
	if sessionID != e.sess.ID() {
		return
	}
	e.sess.Finish(summary)
}

func (e *sessionEvents) Error(sessionID, message string) {
	if sessionID != e.sess.ID() {
		return
	}
	e.sess.Error(message, session.ClassNetwork)
}

func (e *sessionEvents) Aborted(sessionID, reason string) {
	if sessionID != e.sess.ID() {
		return
	}
	e.sess.Abort(reason)
}
