package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grader/internal/batch"
	"github.com/noah-isme/gema-grader/internal/models"
)

// BatchCreateRequest starts a batch grading run for one assignment.
type BatchCreateRequest struct {
	AssignmentID uint   `json:"assignment_id" validate:"required"`
	StudentIDs   []uint `json:"student_ids" validate:"required,min=1,dive,required"`
	Concurrency  int    `json:"concurrency" validate:"omitempty,min=1,max=16"`
}

// AbortRequest carries the user-facing reason for aborting work.
type AbortRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

// BatchProgressResponse is the aggregate progress snapshot of a batch run.
type BatchProgressResponse struct {
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

// NewBatchProgressResponse converts a scheduler snapshot.
func NewBatchProgressResponse(progress batch.Progress) BatchProgressResponse {
	return BatchProgressResponse{
		BatchID:        progress.BatchID,
		AssignmentID:   progress.AssignmentID,
		Total:          progress.Total,
		Completed:      progress.Completed,
		Failed:         progress.Failed,
		Aborted:        progress.Aborted,
		Pending:        progress.Pending,
		InFlight:       progress.InFlight,
		CurrentStudent: progress.CurrentStudent,
		Settled:        progress.Settled,
		StartedAt:      progress.StartedAt,
	}
}

// GradingResultResponse is the persisted outcome of one grading session.
type GradingResultResponse struct {
	AssignmentID  uint            `json:"assignment_id"`
	StudentID     uint            `json:"student_id"`
	SessionID     string          `json:"session_id"`
	OverallScore  int             `json:"overall_score"`
	ShortFeedback string          `json:"short_feedback"`
	Comments      json.RawMessage `json:"comments"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewGradingResultResponse converts a persisted grading run.
func NewGradingResultResponse(run models.GradingRun) GradingResultResponse {
	comments := json.RawMessage(run.Comments)
	if len(comments) == 0 {
		comments = json.RawMessage("[]")
	}

	return GradingResultResponse{
		AssignmentID:  run.AssignmentID,
		StudentID:     run.StudentID,
		SessionID:     run.SessionID,
		OverallScore:  run.OverallScore,
		ShortFeedback: run.ShortFeedback,
		Comments:      comments,
		UpdatedAt:     run.UpdatedAt,
	}
}

// GradingErrorResponse is one recorded session failure.
type GradingErrorResponse struct {
	AssignmentID   uint      `json:"assignment_id"`
	StudentID      uint      `json:"student_id"`
	SessionID      string    `json:"session_id"`
	Classification string    `json:"classification"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewGradingErrorResponseSlice converts recorded failures.
func NewGradingErrorResponseSlice(records []models.GradingError) []GradingErrorResponse {
	responses := make([]GradingErrorResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, GradingErrorResponse{
			AssignmentID:   record.AssignmentID,
			StudentID:      record.StudentID,
			SessionID:      record.SessionID,
			Classification: record.Classification,
			Message:        record.Message,
			CreatedAt:      record.CreatedAt,
		})
	}
	return responses
}
