// Package extract pulls structured grading feedback out of a partially
// delivered model response. The buffer grows as tokens stream in, so every
// scan has to cope with unterminated strings, unbalanced braces and plain
// prose surrounding the JSON payload without ever failing.
package extract

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Colors accepted on a feedback comment.
const (
	ColorRed    = "red"
	ColorYellow = "yellow"
	ColorGreen  = "green"
)

// FlexInt decodes from either a JSON number or a numeric string. Models are
// inconsistent about quoting element indices.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	parsed, err := strconv.Atoi(strings.TrimSpace(trimmed))
	if err != nil {
		return err
	}
	*f = FlexInt(parsed)
	return nil
}

// Comment is one feedback unit tied to a single document element.
type Comment struct {
	ElementType  string  `json:"elementType"`
	ElementIndex FlexInt `json:"elementIndex"`
	Color        string  `json:"color"`
	Comment      string  `json:"comment"`
}

// Key returns the idempotency key used when applying the comment as a
// highlight.
func (c Comment) Key() string {
	return c.ElementType + ":" + strconv.Itoa(int(c.ElementIndex))
}

// Valid reports whether the comment references a plausible element and uses
// a known severity color.
func (c Comment) Valid() bool {
	if strings.TrimSpace(c.ElementType) == "" || strings.TrimSpace(c.Comment) == "" {
		return false
	}
	if c.ElementIndex < 0 {
		return false
	}
	switch c.Color {
	case ColorRed, ColorYellow, ColorGreen:
		return true
	default:
		return false
	}
}

// FinalResult is the outer payload the model is asked to produce once it has
// reviewed the whole document.
type FinalResult struct {
	Comments      []Comment `json:"comments"`
	OverallScore  int       `json:"overallScore"`
	ShortFeedback string    `json:"shortFeedback"`
}

// Result carries everything a single pass over the buffer found.
type Result struct {
	Comments []Comment
	Final    *FinalResult
}

// Scan inspects the entire buffer and returns every structurally complete
// comment object plus the outer result if it has closed and parses. It never
// returns an error: malformed or partial input simply yields fewer objects.
func Scan(buffer string) Result {
	return Result{
		Comments: scanComments(buffer),
		Final:    scanFinal(buffer),
	}
}

// scanFinal walks the balanced objects in the buffer and returns the first
// one that decodes as the consolidated result. Standalone comment objects
// streamed ahead of it are skipped. Braces inside quoted strings do not count
// towards the balance.
func scanFinal(buffer string) *FinalResult {
	for i := 0; i < len(buffer); {
		start := strings.IndexByte(buffer[i:], '{')
		if start < 0 {
			return nil
		}
		start += i

		span, ok := balancedSpan(buffer, start)
		if !ok {
			i = start + 1
			continue
		}

		if final := decodeFinal(span); final != nil {
			return final
		}
		// The span may still wrap a result object nested deeper in, so only
		// move past the brace that failed.
		i = start + 1
	}

	return nil
}

func decodeFinal(span string) *FinalResult {
	var final FinalResult
	if err := json.Unmarshal([]byte(span), &final); err != nil {
		return nil
	}

	// A bare comment object also decodes into FinalResult with zero fields
	// set, so require at least one result-shaped field before accepting.
	if len(final.Comments) == 0 && final.OverallScore == 0 && final.ShortFeedback == "" {
		return nil
	}

	if final.OverallScore < 0 {
		final.OverallScore = 0
	}
	if final.OverallScore > 100 {
		final.OverallScore = 100
	}

	kept := final.Comments[:0]
	for _, comment := range final.Comments {
		if comment.Valid() {
			kept = append(kept, comment)
		}
	}
	final.Comments = kept

	return &final
}

// scanComments walks every opening brace and collects balanced objects that
// carry the full set of comment fields, tolerating an outer object that has
// not closed yet. Invalid candidates are dropped silently.
func scanComments(buffer string) []Comment {
	var comments []Comment

	for i := 0; i < len(buffer); {
		start := strings.IndexByte(buffer[i:], '{')
		if start < 0 {
			break
		}
		start += i

		span, ok := balancedSpan(buffer, start)
		if !ok {
			// Nothing balanced from here on; an inner object may still
			// close before the outer one, so keep probing later braces.
			i = start + 1
			continue
		}

		comment, ok := decodeComment(span)
		if !ok {
			i = start + 1
			continue
		}

		if comment.Valid() {
			comments = append(comments, comment)
		}
		i = start + len(span)
	}

	return comments
}

// decodeComment accepts a span only when all four comment fields are present,
// regardless of order. Extra fields are tolerated.
func decodeComment(span string) (Comment, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return Comment{}, false
	}

	for _, field := range []string{"elementType", "elementIndex", "color", "comment"} {
		if _, ok := raw[field]; !ok {
			return Comment{}, false
		}
	}

	var comment Comment
	if err := json.Unmarshal([]byte(span), &comment); err != nil {
		return Comment{}, false
	}

	return comment, true
}

// balancedSpan scans forward from start tracking string state and brace depth
// and returns the first span whose depth returns to zero.
func balancedSpan(buffer string, start int) (string, bool) {
	if start < 0 || start >= len(buffer) || buffer[start] != '{' {
		return "", false
	}

	inString := false
	escapeNext := false
	depth := 0

	for i := start; i < len(buffer); i++ {
		ch := buffer[i]

		if escapeNext {
			escapeNext = false
			continue
		}

		switch ch {
		case '\\':
			if inString {
				escapeNext = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return buffer[start : i+1], true
				}
			}
		}
	}

	return "", false
}
