package runner

import (
	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/run"
)

// RunOutcome is the result of a completed run.
type RunOutcome struct {
	// Output is the extracted final answer: plain text by default, or the
	// validated value when the agent declares a structured output spec.
	Output any

	// Usage is the cumulative resource consumption of the run.
	Usage run.Usage

	// Messages is the full conversation, including any seeded history.
	Messages []*model.Message

	// NewMessages is the subset of Messages appended by this run.
	NewMessages []*model.Message

	// Context is the final run context. Pass it to a subsequent run via
	// WithContinuation to resume the conversation; ownership transfers with
	// it.
	Context *run.Context

	// Iterations counts completed request/response cycles.
	Iterations int
}

// Text returns the output as a string when it is one, and "" otherwise.
func (o *RunOutcome) Text() string {
	if s, ok := o.Output.(string); ok {
		return s
	}
	return ""
}
