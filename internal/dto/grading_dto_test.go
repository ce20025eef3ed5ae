package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/internal/batch"
	"github.com/noah-isme/gema-grader/internal/models"
)

func TestNewGradingResultResponseDefaultsEmptyComments(t *testing.T) {
	response := NewGradingResultResponse(models.GradingRun{AssignmentID: 1, StudentID: 2, OverallScore: 90})
	require.JSONEq(t, `[]`, string(response.Comments))

	withComments := NewGradingResultResponse(models.GradingRun{
		Comments: datatypes.JSON([]byte(`[{"elementType":"paragraph","elementIndex":0,"color":"red","comment":"x"}]`)),
	})
	require.JSONEq(t, `[{"elementType":"paragraph","elementIndex":0,"color":"red","comment":"x"}]`, string(withComments.Comments))
}

func TestNewBatchProgressResponseCopiesSnapshot(t *testing.T) {
	started := time.Now().UTC()
	response := NewBatchProgressResponse(batch.Progress{
		BatchID:      "batch-1",
		AssignmentID: 3,
		Total:        10,
		Completed:    4,
		Failed:       1,
		Aborted:      2,
		Pending:      2,
		InFlight:     1,
		Settled:      false,
		StartedAt:    started,
	})

	require.Equal(t, "batch-1", response.BatchID)
	require.Equal(t, 10, response.Total)
	require.Equal(t, 4, response.Completed)
	require.Equal(t, 1, response.Failed)
	require.Equal(t, 2, response.Aborted)
	require.Equal(t, started, response.StartedAt)
}

func TestNewGradingErrorResponseSlice(t *testing.T) {
	records := []models.GradingError{
		{AssignmentID: 1, StudentID: 2, SessionID: "s1", Classification: "timeout", Message: "slow"},
	}
	responses := NewGradingErrorResponseSlice(records)
	require.Len(t, responses, 1)
	require.Equal(t, "timeout", responses[0].Classification)

	require.Empty(t, NewGradingErrorResponseSlice(nil))
}
