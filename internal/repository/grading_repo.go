package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// GradingRepository defines persistence for grading outcomes. Upsert
// semantics keep one result per (assignment, student) pair: a later run
// overwrites rather than appends.
type GradingRepository interface {
	Upsert(ctx context.Context, run *models.GradingRun) error
	Get(ctx context.Context, assignmentID, studentID uint) (models.GradingRun, error)
	Delete(ctx context.Context, assignmentID, studentID uint) error
	RecordError(ctx context.Context, record *models.GradingError) error
	ListErrors(ctx context.Context, assignmentID uint) ([]models.GradingError, error)
}

type gradingRepository struct {
	db *gorm.DB
}

// NewGradingRepository instantiates the repository.
func NewGradingRepository(db *gorm.DB) GradingRepository {
	return &gradingRepository{db: db}
}

func (r *gradingRepository) Upsert(ctx context.Context, run *models.GradingRun) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assignment_id"}, {Name: "student_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_id", "overall_score", "short_feedback", "comments", "updated_at",
		}),
	}).Create(run).Error
}

func (r *gradingRepository) Get(ctx context.Context, assignmentID, studentID uint) (models.GradingRun, error) {
	var run models.GradingRun
	err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND student_id = ?", assignmentID, studentID).
		First(&run).Error
	return run, err
}

func (r *gradingRepository) Delete(ctx context.Context, assignmentID, studentID uint) error {
	return r.db.WithContext(ctx).
		Where("assignment_id = ? AND student_id = ?", assignmentID, studentID).
		Delete(&models.GradingRun{}).Error
}

func (r *gradingRepository) RecordError(ctx context.Context, record *models.GradingError) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gradingRepository) ListErrors(ctx context.Context, assignmentID uint) ([]models.GradingError, error) {
	var records []models.GradingError
	err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}
