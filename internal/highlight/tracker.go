// Package highlight turns extracted comments into idempotent visual
// annotations on the rendered document.
package highlight

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Descriptor is the payload handed to the rendering surface for one
// annotation. Keyed by "elementType:elementIndex".
type Descriptor struct {
	SessionID    string `json:"session_id"`
	Key          string `json:"key"`
	ElementType  string `json:"element_type"`
	ElementIndex int    `json:"element_index"`
	Color        string `json:"color"`
	Comment      string `json:"comment"`
}

// Surface receives annotation mutations for an already-rendered document.
// Implementations must not trigger a full re-render.
type Surface interface {
	ApplyHighlight(descriptor Descriptor)
	RemoveHighlight(sessionID, key string)
}

// NopSurface discards every mutation.
type NopSurface struct{}

// ApplyHighlight implements Surface.
func (NopSurface) ApplyHighlight(Descriptor) {}

// RemoveHighlight implements Surface.
func (NopSurface) RemoveHighlight(string, string) {}

// Tracker is the per-session idempotency ledger. A key that has been applied
// once is never emitted again for the life of the session.
type Tracker struct {
	sessionID string
	surface   Surface
	applied   map[string]struct{}
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewTracker builds a tracker scoped to one grading session.
func NewTracker(sessionID string, surface Surface, logger zerolog.Logger) *Tracker {
	if surface == nil {
		surface = NopSurface{}
	}

	return &Tracker{
		sessionID: sessionID,
		surface:   surface,
		applied:   make(map[string]struct{}),
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "highlight_tracker").Str("session_id", sessionID).Logger(),
	}
}

// Apply emits the comment to the rendering surface unless its key was
// already applied or its index falls outside the rendered document. The
// element count map may be incomplete; unknown types are not bounds-checked.
func (t *Tracker) Apply(comment extract.Comment, elementCounts map[string]int) bool {
	key := comment.Key()
	if _, seen := t.applied[key]; seen {
		return false
	}

	if count, known := elementCounts[comment.ElementType]; known && int(comment.ElementIndex) >= count {
		t.logger.Warn().
			Str("key", key).
			Int("element_count", count).
			Msg("comment references element outside rendered document")
		observability.HighlightsRejected().Inc()
		return false
	}

	text := strings.TrimSpace(t.sanitizer.Sanitize(comment.Comment))
	if text == "" {
		t.logger.Warn().Str("key", key).Msg("comment empty after sanitization")
		observability.HighlightsRejected().Inc()
		return false
	}

	t.surface.ApplyHighlight(Descriptor{
		SessionID:    t.sessionID,
		Key:          key,
		ElementType:  comment.ElementType,
		ElementIndex: int(comment.ElementIndex),
		Color:        comment.Color,
		Comment:      text,
	})
	t.applied[key] = struct{}{}
	observability.HighlightsApplied().Inc()

	return true
}

// AppliedCount returns how many unique keys have been emitted.
func (t *Tracker) AppliedCount() int {
	return len(t.applied)
}

// Applied reports whether the key has already been emitted.
func (t *Tracker) Applied(key string) bool {
	_, seen := t.applied[key]
	return seen
}
