package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/agent"
	"github.com/noah-isme/gema-grader/pkg/document"
)

type fakeDocuments struct{}

func (fakeDocuments) Fetch(context.Context, string) (document.Document, error) {
	return document.Document{
		Counts: map[string]int{"paragraph": 5, "heading": 1},
		Text:   "# Title\n\nBody paragraph.",
	}, nil
}

type fakeAgent struct {
	output string
}

func (f *fakeAgent) Run(ctx context.Context, sessionID, _ string, events agent.Events) error {
	for _, chunk := range splitChunks(f.output, 16) {
		if ctx.Err() != nil {
			events.Aborted(sessionID, "context cancelled")
			return ctx.Err()
		}
		events.Token(sessionID, chunk)
	}
	events.Done(sessionID, "")
	return nil
}

func splitChunks(text string, size int) []string {
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}

func newTestGradingService(t *testing.T, runner agent.Runner) (GradingService, repository.GradingRepository, []models.Submission) {
	t.Helper()

	db := setupTestDB(t)
	runs := repository.NewGradingRepository(db)
	submissions := repository.NewSubmissionRepository(db)

	assignment := models.Assignment{Title: "Essay", Instructions: "Argue a position", DueDate: time.Now().Add(24 * time.Hour)}
	require.NoError(t, db.Create(&assignment).Error)

	var seeded []models.Submission
	for _, email := range []string{"one@example.com", "two@example.com"} {
		student := models.Student{Name: "Student", Email: email}
		require.NoError(t, db.Create(&student).Error)
		submission := models.Submission{AssignmentID: assignment.ID, StudentID: student.ID, FileURL: "https://files.example.com/essay.txt", Status: models.SubmissionStatusSubmitted}
		require.NoError(t, db.Create(&submission).Error)
		seeded = append(seeded, submission)
	}

	service := NewGradingService(
		submissions,
		runs,
		NewGradingStore(runs, submissions, testLogger()),
		fakeDocuments{},
		runner,
		nil,
		nil,
		nil,
		GradingConfig{Concurrency: 2, CoalesceWindow: 5 * time.Millisecond, SessionTimeout: 5 * time.Second},
		validator.New(validator.WithRequiredStructEnabled()),
		testLogger(),
	)

	return service, runs, seeded
}

func TestGradingServiceBatchGradesAllStudents(t *testing.T) {
	runner := &fakeAgent{output: `{"comments":[{"elementType":"paragraph","elementIndex":1,"color":"yellow","comment":"Tighten this argument"}],"overallScore":82,"shortFeedback":"Strong overall"}`}
	service, runs, seeded := newTestGradingService(t, runner)
	ctx := context.Background()

	progress, err := service.StartBatch(ctx, dto.BatchCreateRequest{
		AssignmentID: seeded[0].AssignmentID,
		StudentIDs:   []uint{seeded[0].StudentID, seeded[1].StudentID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, progress.BatchID)
	require.Equal(t, 2, progress.Total)

	require.Eventually(t, func() bool {
		snapshot, err := service.Progress(ctx, progress.BatchID)
		return err == nil && snapshot.Settled
	}, 5*time.Second, 20*time.Millisecond)

	final, err := service.Progress(ctx, progress.BatchID)
	require.NoError(t, err)
	require.Equal(t, 2, final.Completed)
	require.Zero(t, final.Failed)

	for _, submission := range seeded {
		run, err := runs.Get(ctx, submission.AssignmentID, submission.StudentID)
		require.NoError(t, err)
		require.Equal(t, 82, run.OverallScore)

		result, err := service.Result(ctx, submission.AssignmentID, submission.StudentID)
		require.NoError(t, err)
		require.Equal(t, "Strong overall", result.ShortFeedback)
	}
}

func TestGradingServiceValidatesBatchRequest(t *testing.T) {
	service, _, _ := newTestGradingService(t, &fakeAgent{})

	_, err := service.StartBatch(context.Background(), dto.BatchCreateRequest{AssignmentID: 1})
	require.Error(t, err, "student list must not be empty")

	_, err = service.StartBatch(context.Background(), dto.BatchCreateRequest{StudentIDs: []uint{1}})
	require.Error(t, err, "assignment id is required")
}

func TestGradingServiceMissingSubmissionCountsAsFailed(t *testing.T) {
	runner := &fakeAgent{output: `{"comments":[],"overallScore":50,"shortFeedback":"ok"}`}
	service, _, seeded := newTestGradingService(t, runner)
	ctx := context.Background()

	progress, err := service.StartBatch(ctx, dto.BatchCreateRequest{
		AssignmentID: seeded[0].AssignmentID,
		StudentIDs:   []uint{seeded[0].StudentID, 9999},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, err := service.Progress(ctx, progress.BatchID)
		return err == nil && snapshot.Settled
	}, 5*time.Second, 20*time.Millisecond)

	final, err := service.Progress(ctx, progress.BatchID)
	require.NoError(t, err)
	require.Equal(t, 1, final.Completed)
	require.Equal(t, 1, final.Failed)
}

func TestGradingServiceUnknownBatchAndResult(t *testing.T) {
	service, _, _ := newTestGradingService(t, &fakeAgent{})
	ctx := context.Background()

	_, err := service.Progress(ctx, "missing")
	require.True(t, errors.Is(err, ErrBatchNotFound))

	require.True(t, errors.Is(service.StopBatch(ctx, "missing"), ErrBatchNotFound))
	require.True(t, errors.Is(service.AbortStudent(ctx, "missing", 1, ""), ErrBatchNotFound))

	_, err = service.Result(ctx, 1, 1)
	require.True(t, errors.Is(err, ErrResultNotFound))
}

func TestGradingServiceClearResult(t *testing.T) {
	runner := &fakeAgent{output: `{"comments":[],"overallScore":60,"shortFeedback":"fine"}`}
	service, runs, seeded := newTestGradingService(t, runner)
	ctx := context.Background()

	_, err := service.StartBatch(ctx, dto.BatchCreateRequest{
		AssignmentID: seeded[0].AssignmentID,
		StudentIDs:   []uint{seeded[0].StudentID},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := runs.Get(ctx, seeded[0].AssignmentID, seeded[0].StudentID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, service.ClearResult(ctx, seeded[0].AssignmentID, seeded[0].StudentID))

	_, err = service.Result(ctx, seeded[0].AssignmentID, seeded[0].StudentID)
	require.True(t, errors.Is(err, ErrResultNotFound))
}
