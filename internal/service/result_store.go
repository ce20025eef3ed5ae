package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/session"
)

// gradingStore adapts the grading repository to the results store contract
// the session state machine consumes.
type gradingStore struct {
	runs        repository.GradingRepository
	submissions repository.SubmissionRepository
	logger      zerolog.Logger
}

// NewGradingStore builds the results store backing grading sessions.
func NewGradingStore(runs repository.GradingRepository, submissions repository.SubmissionRepository, logger zerolog.Logger) session.Store {
	return &gradingStore{
		runs:        runs,
		submissions: submissions,
		logger:      logger.With().Str("component", "grading_store").Logger(),
	}
}

func (s *gradingStore) Persist(ctx context.Context, assignmentID, studentID uint, sessionID string, result extract.FinalResult) error {
	comments, err := json.Marshal(result.Comments)
	if err != nil {
		return fmt.Errorf("marshal comments: %w", err)
	}

	run := models.GradingRun{
		AssignmentID:  assignmentID,
		StudentID:     studentID,
		SessionID:     sessionID,
		OverallScore:  result.OverallScore,
		ShortFeedback: result.ShortFeedback,
		Comments:      datatypes.JSON(comments),
	}

	if err := s.runs.Upsert(ctx, &run); err != nil {
		return fmt.Errorf("persist grading run: %w", err)
	}

	s.markSubmission(ctx, assignmentID, studentID, models.SubmissionStatusGraded)

	return nil
}

func (s *gradingStore) RecordError(ctx context.Context, assignmentID, studentID uint, sessionID string, class session.ErrorClass, message string) error {
	record := models.GradingError{
		AssignmentID:   assignmentID,
		StudentID:      studentID,
		SessionID:      sessionID,
		Classification: string(class),
		Message:        message,
	}

	if err := s.runs.RecordError(ctx, &record); err != nil {
		return fmt.Errorf("persist grading error: %w", err)
	}

	s.markSubmission(ctx, assignmentID, studentID, models.SubmissionStatusFailed)

	return nil
}

// markSubmission mirrors the grading outcome onto the submission status.
// Failure here is logged only; the grading record is the source of truth.
func (s *gradingStore) markSubmission(ctx context.Context, assignmentID, studentID uint, status string) {
	submission, err := s.submissions.GetByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("assignment_id", assignmentID).Uint("student_id", studentID).Msg("failed to look up submission for status update")
		return
	}

	if err := s.submissions.UpdateStatus(ctx, submission.ID, status); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to update submission status")
	}
}
