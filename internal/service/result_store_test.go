package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/session"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Student{}, &models.Assignment{}, &models.Submission{}, &models.GradingRun{}, &models.GradingError{}))
	return db
}

func seedSubmission(t *testing.T, db *gorm.DB) models.Submission {
	t.Helper()
	student := models.Student{Name: "Dana Lee", Email: "dana@example.com"}
	require.NoError(t, db.Create(&student).Error)
	assignment := models.Assignment{Title: "Essay", Instructions: "Argue a position", DueDate: time.Now().Add(24 * time.Hour)}
	require.NoError(t, db.Create(&assignment).Error)
	submission := models.Submission{AssignmentID: assignment.ID, StudentID: student.ID, FileURL: "https://files.example.com/essay.txt", Status: models.SubmissionStatusGrading}
	require.NoError(t, db.Create(&submission).Error)
	return submission
}

func TestGradingStorePersistMarksSubmissionGraded(t *testing.T) {
	db := setupTestDB(t)
	submission := seedSubmission(t, db)
	runs := repository.NewGradingRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	store := NewGradingStore(runs, submissions, testLogger())
	ctx := context.Background()

	result := extract.FinalResult{
		Comments:      []extract.Comment{{ElementType: "paragraph", ElementIndex: 0, Color: extract.ColorRed, Comment: "Weak opening"}},
		OverallScore:  74,
		ShortFeedback: "Promising draft",
	}
	require.NoError(t, store.Persist(ctx, submission.AssignmentID, submission.StudentID, "sess-1", result))

	run, err := runs.Get(ctx, submission.AssignmentID, submission.StudentID)
	require.NoError(t, err)
	require.Equal(t, 74, run.OverallScore)
	require.Equal(t, "sess-1", run.SessionID)
	require.JSONEq(t, `[{"elementType":"paragraph","elementIndex":0,"color":"red","comment":"Weak opening"}]`, string(run.Comments))

	updated, err := submissions.GetByAssignmentAndStudent(ctx, submission.AssignmentID, submission.StudentID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusGraded, updated.Status)
}

func TestGradingStoreRecordErrorMarksSubmissionFailed(t *testing.T) {
	db := setupTestDB(t)
	submission := seedSubmission(t, db)
	runs := repository.NewGradingRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	store := NewGradingStore(runs, submissions, testLogger())
	ctx := context.Background()

	require.NoError(t, store.RecordError(ctx, submission.AssignmentID, submission.StudentID, "sess-2", session.ClassTimeout, "no terminal signal"))

	records, err := runs.ListErrors(ctx, submission.AssignmentID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "timeout", records[0].Classification)

	updated, err := submissions.GetByAssignmentAndStudent(ctx, submission.AssignmentID, submission.StudentID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusFailed, updated.Status)
}
