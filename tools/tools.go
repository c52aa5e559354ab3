// Package tools defines the caller-supplied tool descriptors the runner
// exposes to models, the handler contracts tools implement, and the typed
// errors tool execution produces.
package tools

import (
	"errors"
	"fmt"
	"time"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/run"
)

type (
	// Tool describes one caller-supplied function the model may invoke.
	// Descriptors are immutable after registration; Name must be unique within
	// an agent's tool set.
	Tool struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// Schema is the JSON Schema object describing the tool's arguments,
		// typically a map[string]any with "type": "object".
		Schema any

		// Handler executes the tool. Use Func for handlers that only need the
		// decoded arguments or ContextFunc for handlers that also want a
		// read-only dependency snapshot.
		Handler Handler

		// Retries is the number of additional attempts after a failed
		// invocation. Zero means a faulting handler is invoked exactly once.
		// Timeouts are never retried regardless of this value.
		Retries int

		// Timeout bounds one handler invocation. Zero means no deadline: the
		// handler runs synchronously to completion.
		Timeout time.Duration

		// RequiresApproval gates execution behind the run's approval handler.
		RequiresApproval bool
	}

	// Handler is the tool execution contract. Exactly one of the two callable
	// forms is implemented; see Func and ContextFunc.
	Handler interface {
		// Call invokes the handler with the read-only snapshot and decoded
		// arguments.
		Call(snap run.Snapshot, args any) (any, error)
	}

	// Func adapts an arity-one handler (arguments only).
	Func func(args any) (any, error)

	// ContextFunc adapts an arity-two handler (snapshot and arguments).
	ContextFunc func(snap run.Snapshot, args any) (any, error)

	// Result is the outcome of one resolved tool call.
	Result struct {
		// Name echoes the tool that was executed.
		Name string

		// ToolCallID correlates the result with the model's tool call.
		ToolCallID string

		// Value is the handler's return value on success. Nil when Err is set.
		Value any

		// Update carries the declarative dependency mutations the tool
		// requested, if any.
		Update *run.Update

		// Err is the terminal execution error, if any: a *Error after retry
		// exhaustion or a *TimeoutError on deadline.
		Err error
	}

	// WithUpdate pairs a handler return value with a declarative dependency
	// update batch. Handlers return this when they want the runner to mutate
	// the run's dependency map after the call resolves.
	WithUpdate struct {
		// Value is the tool result surfaced to the model.
		Value any
		// Update is applied by the runner against the run's dependencies.
		Update *run.Update
	}

	// Error wraps a tool fault that survived the retry budget. The original
	// fault is preserved for errors.Is/As.
	Error struct {
		// Tool names the failing tool.
		Tool string
		// Attempts counts handler invocations performed (retries + 1).
		Attempts int
		// Err is the fault from the final attempt.
		Err error
	}

	// TimeoutError reports a handler that exceeded its configured deadline.
	// Timeouts are terminal for the call and never retried.
	TimeoutError struct {
		// Tool names the timed-out tool.
		Tool string
		// Timeout is the deadline that elapsed.
		Timeout time.Duration
	}
)

// UpdateKey is the conventional map key legacy handlers use to return a
// dependency update inside a plain map result. The executor extracts and
// strips it before surfacing the value.
const UpdateKey = "__context_update__"

// Call implements Handler.
func (f Func) Call(_ run.Snapshot, args any) (any, error) { return f(args) }

// Call implements Handler.
func (f ContextFunc) Call(snap run.Snapshot, args any) (any, error) { return f(snap, args) }

// Validate checks the descriptor is executable.
func (t *Tool) Validate() error {
	if t == nil {
		return errors.New("tools: tool is nil")
	}
	if t.Name == "" {
		return errors.New("tools: tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Name)
	}
	if t.Retries < 0 {
		return fmt.Errorf("tools: tool %q has negative retries", t.Name)
	}
	return nil
}

// Definition renders the descriptor as the schema passed to model providers.
func (t *Tool) Definition() *model.ToolDefinition {
	return &model.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.Schema,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool %q failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

// Unwrap returns the original fault for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}
