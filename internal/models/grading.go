package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingRun is the persisted outcome of one grading session. The
// (assignment, student) pair is unique: a later session for the same pair
// overwrites rather than appends.
type GradingRun struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AssignmentID  uint           `gorm:"not null;uniqueIndex:idx_grading_runs_pair" json:"assignment_id"`
	StudentID     uint           `gorm:"not null;uniqueIndex:idx_grading_runs_pair" json:"student_id"`
	SessionID     string         `gorm:"size:64" json:"session_id"`
	OverallScore  int            `gorm:"not null" json:"overall_score"`
	ShortFeedback string         `gorm:"type:text" json:"short_feedback"`
	Comments      datatypes.JSON `json:"comments"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// GradingError records a failed session so the surrounding system can offer
// a manual re-grade. Parsing and format failures are never auto-retried.
type GradingError struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AssignmentID   uint      `gorm:"not null;index" json:"assignment_id"`
	StudentID      uint      `gorm:"not null;index" json:"student_id"`
	SessionID      string    `gorm:"size:64" json:"session_id"`
	Classification string    `gorm:"size:32;not null" json:"classification"`
	Message        string    `gorm:"type:text" json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}
