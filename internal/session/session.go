// Package session owns the lifecycle of one grading attempt: the growing
// token buffer, the highlight ledger and the state machine that decides when
// a result is persisted.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/highlight"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// State identifies where a session is in its lifecycle.
type State string

// Session states. Completed, Errored and Aborted are terminal; a terminal
// session silently drops any further tokens or signals.
const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateAborted   State = "aborted"
)

// ErrorClass categorises why a session failed.
type ErrorClass string

// Error classifications.
const (
	ClassParsing ErrorClass = "parsing"
	ClassFormat  ErrorClass = "format"
	ClassNetwork ErrorClass = "network"
	ClassTimeout ErrorClass = "timeout"
	ClassUnknown ErrorClass = "unknown"
)

// Outcome is the terminal disposition reported to the batch scheduler.
// Aborts are counted separately from failures.
type Outcome string

// Terminal outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// DefaultTimeout forces an error transition when neither finish nor error
// arrives in time.
const DefaultTimeout = 4 * time.Minute

const persistTimeout = 10 * time.Second

// Settlement describes how a session ended.
type Settlement struct {
	SessionID    string
	AssignmentID uint
	StudentID    uint
	Outcome      Outcome
	Class        ErrorClass
	Message      string
	Result       *extract.FinalResult
}

// Store is the results store consumed by sessions. A later session for the
// same (assignment, student) pair overwrites the earlier result.
type Store interface {
	Persist(ctx context.Context, assignmentID, studentID uint, sessionID string, result extract.FinalResult) error
	RecordError(ctx context.Context, assignmentID, studentID uint, sessionID string, class ErrorClass, message string) error
}

// Config collects the collaborators a session needs.
type Config struct {
	SessionID      string
	AssignmentID   uint
	StudentID      uint
	ElementCounts  map[string]int
	Surface        highlight.Surface
	Store          Store
	Registry       *Registry
	CoalesceWindow time.Duration
	Timeout        time.Duration
	// CancelRun notifies the upstream agent on abort. It must not block;
	// the session clears local state without waiting for acknowledgement.
	CancelRun func(reason string)
	Logger    zerolog.Logger
}

// Session drives one grading attempt for a single (assignment, student)
// pair. All mutation goes through its methods; each method re-checks the
// state so signals racing a terminal transition are dropped.
type Session struct {
	id           string
	assignmentID uint
	studentID    uint
	counts       map[string]int
	surface      highlight.Surface
	store        Store
	registry     *Registry
	cancelRun    func(string)
	timeoutSpan  time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	state      State
	buffer     strings.Builder
	tracker    *highlight.Tracker
	coalescer  *Coalescer
	timeout    *time.Timer
	tempResult *extract.FinalResult

	done chan Settlement
}

// New builds an idle session. Call Start before delivering tokens.
func New(cfg Config) *Session {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	timeoutSpan := cfg.Timeout
	if timeoutSpan <= 0 {
		timeoutSpan = DefaultTimeout
	}

	s := &Session{
		id:           id,
		assignmentID: cfg.AssignmentID,
		studentID:    cfg.StudentID,
		counts:       cfg.ElementCounts,
		surface:      cfg.Surface,
		store:        cfg.Store,
		registry:     cfg.Registry,
		cancelRun:    cfg.CancelRun,
		timeoutSpan:  timeoutSpan,
		logger: cfg.Logger.With().
			Str("component", "grading_session").
			Str("session_id", id).
			Uint("assignment_id", cfg.AssignmentID).
			Uint("student_id", cfg.StudentID).
			Logger(),
		state: StateIdle,
		done:  make(chan Settlement, 1),
	}
	s.coalescer = NewCoalescer(cfg.CoalesceWindow, s.extractPass)

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StudentID returns the student being graded.
func (s *Session) StudentID() uint { return s.studentID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done yields the settlement once the session reaches a terminal state.
func (s *Session) Done() <-chan Settlement { return s.done }

// SetElementCounts installs the per-type element counts once the document
// has been parsed. Must happen before feedback tokens arrive; comments
// applied earlier are not re-checked.
func (s *Session) SetElementCounts(counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = counts
}

// Start transitions Idle to Streaming, allocates the highlight ledger and
// registers the student as in progress.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return
	}

	s.state = StateStreaming
	s.tracker = highlight.NewTracker(s.id, s.surface, s.logger)
	if s.registry != nil {
		s.registry.MarkInProgress(s.studentID)
	}
	s.timeout = time.AfterFunc(s.timeoutSpan, func() {
		s.Error(fmt.Sprintf("no terminal signal within %s", s.timeoutSpan), ClassTimeout)
	})

	observability.SessionsStarted().Inc()
	observability.SessionsActive().Inc()
	s.logger.Info().Msg("grading session streaming")
}

// Token appends a streamed fragment to the buffer and schedules a coalesced
// extraction pass. Tokens arriving after a terminal transition are dropped.
func (s *Session) Token(text string) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.buffer.WriteString(text)
	s.mu.Unlock()

	observability.TokensReceived().Inc()
	s.coalescer.Append()
}

// extractPass rescans the whole buffer and applies any newly complete
// comments. Rescanning from the start keeps the pass correct regardless of
// where the previous pass stopped.
func (s *Session) extractPass() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractLocked()
}

func (s *Session) extractLocked() {
	if s.state != StateStreaming || s.tracker == nil {
		return
	}

	observability.ExtractionPasses().Inc()
	found := extract.Scan(s.buffer.String())
	for _, comment := range found.Comments {
		s.tracker.Apply(comment, s.counts)
	}
	if found.Final != nil {
		s.tempResult = found.Final
	}
}

// Finish runs one final synchronous extraction, reconciles the streamed
// buffer against the redundant done-summary payload and persists the result
// exactly once. The session completes even when no result was extractable;
// the anomaly is logged and the result left absent.
func (s *Session) Finish(summary string) {
	s.mu.Lock()

	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}

	s.coalescer.Stop()
	s.extractLocked()

	final := s.tempResult
	if final == nil && strings.TrimSpace(summary) != "" {
		final = s.reconcileSummaryLocked(summary)
	}

	if final != nil {
		if s.tracker != nil {
			for _, comment := range final.Comments {
				s.tracker.Apply(comment, s.counts)
			}
		}
		s.persist(*final)
	} else {
		s.logger.Warn().Int("buffer_len", s.buffer.Len()).Msg("stream finished without an extractable result")
	}

	s.settleLocked(Settlement{Outcome: OutcomeCompleted, Result: final})
	s.mu.Unlock()
}

// reconcileSummaryLocked decodes the summary delivery channel when the token
// stream yielded nothing. Shape violations are logged as format anomalies,
// not errors: the stream itself completed.
func (s *Session) reconcileSummaryLocked(summary string) *extract.FinalResult {
	if err := ValidateResultPayload(summary); err != nil {
		s.logger.Warn().Err(err).Str("class", string(ClassFormat)).Msg("done summary rejected")
		return nil
	}

	found := extract.Scan(summary)
	if found.Final == nil {
		return nil
	}

	if s.tracker != nil {
		for _, comment := range found.Comments {
			s.tracker.Apply(comment, s.counts)
		}
	}

	return found.Final
}

func (s *Session) persist(result extract.FinalResult) {
	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.Persist(ctx, s.assignmentID, s.studentID, s.id, result); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist grading result")
		return
	}

	s.logger.Info().Int("score", result.OverallScore).Int("comments", len(result.Comments)).Msg("grading result persisted")
}

// Error transitions to Errored and records an error record for manual
// re-grading. Signals after a terminal transition are dropped.
func (s *Session) Error(message string, class ErrorClass) {
	if class == "" {
		class = ClassUnknown
	}

	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.store.RecordError(ctx, s.assignmentID, s.studentID, s.id, class, message); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist error record")
		}
		cancel()
	}

	s.logger.Error().Str("class", string(class)).Str("message", message).Msg("grading session errored")
	s.settleLocked(Settlement{Outcome: OutcomeFailed, Class: class, Message: message})
	s.mu.Unlock()
}

// Abort ends the session at the user's request. The upstream agent is
// notified without waiting; stray tokens it keeps producing afterwards are
// dropped because the session is already terminal.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}

	s.logger.Info().Str("reason", reason).Msg("grading session aborted")
	s.settleLocked(Settlement{Outcome: OutcomeAborted, Message: reason})
	cancelRun := s.cancelRun
	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun(reason)
	}
}

func (s *Session) terminalLocked() bool {
	switch s.state {
	case StateCompleted, StateErrored, StateAborted:
		return true
	default:
		return false
	}
}

// settleLocked performs the terminal transition: record state, discard the
// buffer and ledger, release registry markers and notify the waiter.
func (s *Session) settleLocked(settlement Settlement) {
	wasStreaming := s.state == StateStreaming

	switch settlement.Outcome {
	case OutcomeCompleted:
		s.state = StateCompleted
	case OutcomeAborted:
		s.state = StateAborted
	default:
		s.state = StateErrored
	}

	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	s.coalescer.Stop()
	s.buffer.Reset()
	s.tracker = nil
	s.tempResult = nil

	if s.registry != nil {
		s.registry.Clear(s.studentID)
	}

	if wasStreaming {
		observability.SessionsActive().Dec()
	}
	observability.SessionsSettled().WithLabelValues(string(settlement.Outcome)).Inc()

	settlement.SessionID = s.id
	settlement.AssignmentID = s.assignmentID
	settlement.StudentID = s.studentID

	select {
	case s.done <- settlement:
	default:
	}
}
