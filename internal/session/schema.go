package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultSchema describes the final payload the agent is expected to deliver,
// whether through streamed tokens or the redundant done-summary channel.
const resultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["comments", "overallScore", "shortFeedback"],
  "properties": {
    "comments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["elementType", "elementIndex", "color", "comment"],
        "properties": {
          "elementType": {"type": "string", "minLength": 1},
          "elementIndex": {"type": ["integer", "string"]},
          "color": {"enum": ["red", "yellow", "green"]},
          "comment": {"type": "string", "minLength": 1}
        }
      }
    },
    "overallScore": {"type": "integer", "minimum": 0, "maximum": 100},
    "shortFeedback": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
)

// ValidateResultPayload checks a raw summary payload against the result
// schema. A non-nil error means the payload is structurally valid JSON of
// the wrong shape, which callers classify as a format error rather than a
// parsing one.
func ValidateResultPayload(raw string) error {
	schemaOnce.Do(func() {
		compiledSchema = jsonschema.MustCompileString("grading_result.json", resultSchema)
	})

	var document interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &document); err != nil {
		return fmt.Errorf("parse result payload: %w", err)
	}

	if err := compiledSchema.Validate(document); err != nil {
		return fmt.Errorf("result payload shape: %w", err)
	}

	return nil
}
