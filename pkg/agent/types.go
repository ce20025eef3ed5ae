package agent

import "context"

// Events receives the callbacks an agent run emits for one session. Token
// fragments arrive in delivery order; Done, Error and Aborted are mutually
// exclusive terminals.
type Events interface {
	Token(sessionID, text string)
	Done(sessionID, summary string)
	Error(sessionID, message string)
	Aborted(sessionID, reason string)
}

// PromptInput contains the artefacts needed to build a grading prompt for
// one student document.
type PromptInput struct {
	AssignmentTitle string
	Instructions    string
	DocumentText    string
	ElementCounts   map[string]int
}

// Runner streams an agent run for a grading session. Run blocks until the
// stream terminates; cancelling the context aborts the run cooperatively.
type Runner interface {
	Run(ctx context.Context, sessionID, prompt string, events Events) error
}
