package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanFindsCommentSurroundedByProse(t *testing.T) {
	buffer := `Looking at the introduction now. {"elementType":"paragraph","elementIndex":0,"color":"yellow","comment":"Thesis is vague"} Moving on.`

	result := Scan(buffer)

	require.Len(t, result.Comments, 1)
	require.Equal(t, "paragraph", result.Comments[0].ElementType)
	require.Equal(t, FlexInt(0), result.Comments[0].ElementIndex)
	require.Equal(t, ColorYellow, result.Comments[0].Color)
	require.Nil(t, result.Final)
}

func TestScanIgnoresTrailingPartialObject(t *testing.T) {
	buffer := `{"elementType":"paragraph","elementIndex":"2","color":"red","comment":"Run-on sentence"} and also {"elementType":"paragraph`

	result := Scan(buffer)

	require.Len(t, result.Comments, 1)
	require.Equal(t, FlexInt(2), result.Comments[0].ElementIndex)
}

func TestScanGrowingBufferNeverLosesEarlierComments(t *testing.T) {
	full := `{"elementType":"heading","elementIndex":0,"color":"green","comment":"Clear title"}{"elementType":"paragraph","elementIndex":1,"color":"red","comment":"Missing citation"}`

	for cut := 0; cut <= len(full); cut++ {
		result := Scan(full[:cut])
		require.LessOrEqual(t, len(result.Comments), 2)
	}

	require.Len(t, Scan(full).Comments, 2)
}

func TestScanBracesAndEscapesInsideStrings(t *testing.T) {
	buffer := `{"elementType":"paragraph","elementIndex":3,"color":"red","comment":"Use \"fmt\" not { or } literally"}`

	result := Scan(buffer)

	require.Len(t, result.Comments, 1)
	require.Equal(t, `Use "fmt" not { or } literally`, result.Comments[0].Comment)
}

func TestScanRejectsMissingFields(t *testing.T) {
	buffer := `{"elementType":"paragraph","elementIndex":1,"comment":"No color here"}`

	result := Scan(buffer)

	require.Empty(t, result.Comments)
}

func TestScanDropsUnknownColor(t *testing.T) {
	buffer := `{"elementType":"paragraph","elementIndex":1,"color":"purple","comment":"Nice"}`

	result := Scan(buffer)

	require.Empty(t, result.Comments)
}

func TestScanFindsCommentsInsideUnclosedOuterObject(t *testing.T) {
	buffer := `{"comments":[{"elementType":"paragraph","elementIndex":0,"color":"green","comment":"Good hook"},{"elementType":"list_item","elementIndex":2,"color":"yellow","comment":"Expand this"}`

	result := Scan(buffer)

	require.Len(t, result.Comments, 2)
	require.Nil(t, result.Final)
}

func TestScanFinalResult(t *testing.T) {
	buffer := `Here is the full review: {"comments":[{"elementType":"paragraph","elementIndex":0,"color":"red","comment":"Weak opening"}],"overallScore":78,"shortFeedback":"Solid draft"}`

	result := Scan(buffer)

	require.NotNil(t, result.Final)
	require.Equal(t, 78, result.Final.OverallScore)
	require.Equal(t, "Solid draft", result.Final.ShortFeedback)
	require.Len(t, result.Final.Comments, 1)
}

func TestScanFinalAfterStreamedComments(t *testing.T) {
	buffer := `{"elementType":"paragraph","elementIndex":0,"color":"green","comment":"Good"} {"comments":[],"overallScore":90,"shortFeedback":"Well done"}`

	result := Scan(buffer)

	require.NotNil(t, result.Final)
	require.Equal(t, 90, result.Final.OverallScore)
}

func TestScanFinalClampsScore(t *testing.T) {
	result := Scan(`{"comments":[],"overallScore":130,"shortFeedback":"generous"}`)
	require.NotNil(t, result.Final)
	require.Equal(t, 100, result.Final.OverallScore)

	result = Scan(`{"comments":[],"overallScore":-5,"shortFeedback":"harsh"}`)
	require.NotNil(t, result.Final)
	require.Equal(t, 0, result.Final.OverallScore)
}

func TestScanFinalFiltersInvalidComments(t *testing.T) {
	buffer := `{"comments":[{"elementType":"paragraph","elementIndex":0,"color":"red","comment":"Keep"},{"elementType":"","elementIndex":1,"color":"red","comment":"Drop"}],"overallScore":60,"shortFeedback":"Mixed"}`

	result := Scan(buffer)

	require.NotNil(t, result.Final)
	require.Len(t, result.Final.Comments, 1)
	require.Equal(t, "Keep", result.Final.Comments[0].Comment)
}

func TestScanDoesNotMistakeCommentForFinal(t *testing.T) {
	buffer := `{"elementType":"paragraph","elementIndex":0,"color":"red","comment":"Just a comment"}`

	result := Scan(buffer)

	require.Nil(t, result.Final)
	require.Len(t, result.Comments, 1)
}

func TestScanEmptyAndJunkBuffers(t *testing.T) {
	for _, buffer := range []string{"", "no json here", "{{{{", `{"broken":`} {
		result := Scan(buffer)
		require.Empty(t, result.Comments)
		require.Nil(t, result.Final)
	}
}

func TestFlexIntDecodesNumberAndString(t *testing.T) {
	var v struct {
		Index FlexInt `json:"index"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"index":7}`), &v))
	require.Equal(t, FlexInt(7), v.Index)

	require.NoError(t, json.Unmarshal([]byte(`{"index":"12"}`), &v))
	require.Equal(t, FlexInt(12), v.Index)

	require.Error(t, json.Unmarshal([]byte(`{"index":"seven"}`), &v))
}

func TestCommentKey(t *testing.T) {
	comment := Comment{ElementType: "paragraph", ElementIndex: 4, Color: ColorGreen, Comment: "ok"}
	require.Equal(t, "paragraph:4", comment.Key())
}
