package runner

import (
	"errors"
	"strings"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/outputs"
	"github.com/parley-ai/parley/run"
)

type (
	// Behavior decides when a model response completes a run and how the
	// final output is extracted from it. The runner owns the loop mechanics;
	// the behavior owns the completion criteria.
	Behavior interface {
		// Done reports whether resp satisfies the run's completion criteria.
		// Responses that still carry tool calls are never final.
		Done(rc *run.Context, resp *model.Response) bool

		// ExtractOutput produces the run's output value from the final
		// response. An error here fails the run with an ExtractionError.
		ExtractOutput(rc *run.Context, resp *model.Response) (any, error)
	}

	// TextBehavior completes on the first response without tool calls and
	// extracts its text. This is the default.
	TextBehavior struct{}

	// StructuredBehavior completes on the first tool-call-free response whose
	// text parses and validates against the output spec.
	StructuredBehavior struct {
		// Spec is the declared output schema. Required.
		Spec *outputs.Spec
	}

	// ReActBehavior drives an explicit reason-then-act protocol: the model is
	// instructed to interleave Thought lines with tool calls and to close
	// with a marked final answer. The run completes only when the marker
	// appears; the extracted output is the text after the marker, reasoning
	// stripped.
	ReActBehavior struct {
		// Marker introduces the final answer. Defaults to "Final Answer:".
		Marker string
	}
)

const defaultFinalAnswerMarker = "Final Answer:"

// Done implements Behavior.
func (TextBehavior) Done(_ *run.Context, resp *model.Response) bool {
	return resp.Message != nil && len(resp.Message.ToolCalls) == 0
}

// ExtractOutput implements Behavior.
func (TextBehavior) ExtractOutput(_ *run.Context, resp *model.Response) (any, error) {
	if resp.Message == nil {
		return nil, errors.New("runner: final response has no message")
	}
	return resp.Message.Text(), nil
}

// Done implements Behavior.
func (b *StructuredBehavior) Done(_ *run.Context, resp *model.Response) bool {
	return resp.Message != nil && len(resp.Message.ToolCalls) == 0
}

// ExtractOutput implements Behavior.
func (b *StructuredBehavior) ExtractOutput(_ *run.Context, resp *model.Response) (any, error) {
	if resp.Message == nil {
		return nil, errors.New("runner: final response has no message")
	}
	return outputs.ParseAndValidate(resp.Message.Text(), b.Spec)
}

func (b *ReActBehavior) marker() string {
	if b.Marker != "" {
		return b.Marker
	}
	return defaultFinalAnswerMarker
}

// Done implements Behavior. A response still carrying tool calls or missing
// the final answer marker keeps the run iterating.
func (b *ReActBehavior) Done(_ *run.Context, resp *model.Response) bool {
	if resp.Message == nil || len(resp.Message.ToolCalls) > 0 {
		return false
	}
	return strings.Contains(resp.Message.Text(), b.marker())
}

// ExtractOutput implements Behavior.
func (b *ReActBehavior) ExtractOutput(_ *run.Context, resp *model.Response) (any, error) {
	if resp.Message == nil {
		return nil, errors.New("runner: final response has no message")
	}
	text := resp.Message.Text()
	idx := strings.Index(text, b.marker())
	if idx < 0 {
		return nil, errors.New("runner: final response has no final answer marker")
	}
	return strings.TrimSpace(text[idx+len(b.marker()):]), nil
}

// PromptFragment returns the protocol instructions the runner folds into the
// system prompt.
func (b *ReActBehavior) PromptFragment() string {
	return "Work step by step. Before each tool call, write a Thought line " +
		"explaining what you need and why. When you have enough information, " +
		"finish your reply with a line starting with \"" + b.marker() +
		"\" followed by the answer."
}
