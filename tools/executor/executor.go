// Package executor runs caller-supplied tool handlers with failure isolation,
// bounded retries and hard timeouts. A fault inside a handler is never
// observable as a fault in the runner's own control flow: it always arrives
// as a data value the runner inspects.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/telemetry"
	"github.com/parley-ai/parley/tools"
)

type (
	// Executor invokes tool handlers under the isolation contract.
	Executor struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures an Executor.
	Option func(*Executor)

	// outcome is the captured result of one isolated handler invocation.
	outcome struct {
		value    any
		err      error
		panicked bool
	}
)

// WithLogger configures the executor logger. When nil, the executor uses a
// noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics configures the executor metrics recorder. When nil, the
// executor uses a noop recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Executor) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// New builds an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Execute resolves one tool call. The returned Result always carries the
// call's name and ID; execution failures surface in Result.Err as a
// *tools.Error (fault after retry exhaustion) or *tools.TimeoutError
// (deadline elapsed, never retried). Execute itself returns a non-nil error
// only for invalid input.
func (e *Executor) Execute(ctx context.Context, tool *tools.Tool, call model.ToolCall, snap run.Snapshot) (*tools.Result, error) {
	if err := tool.Validate(); err != nil {
		return nil, err
	}

	res := &tools.Result{Name: tool.Name, ToolCallID: call.ID}
	start := time.Now()
	defer func() {
		e.metrics.RecordTimer("parley.tool.duration", time.Since(start), "tool", tool.Name)
	}()

	for attempt := 0; ; attempt++ {
		out, timedOut := e.invoke(tool, call.Args, snap)
		if timedOut {
			// Timeouts are terminal for the call regardless of the retry budget.
			e.logger.Warn(ctx, "tool timed out",
				"tool", tool.Name,
				"tool_call_id", call.ID,
				"timeout", tool.Timeout.String(),
				"attempt", attempt,
			)
			e.metrics.IncCounter("parley.tool.timeouts", 1, "tool", tool.Name)
			res.Err = &tools.TimeoutError{Tool: tool.Name, Timeout: tool.Timeout}
			return res, nil
		}
		if out.err == nil {
			value, update := splitUpdate(out.value)
			res.Value = value
			res.Update = update
			return res, nil
		}
		if attempt < tool.Retries {
			e.logger.Warn(ctx, "tool failed, retrying",
				"tool", tool.Name,
				"tool_call_id", call.ID,
				"attempt", attempt,
				"retries", tool.Retries,
				"panicked", out.panicked,
				"err", out.err,
			)
			e.metrics.IncCounter("parley.tool.retries", 1, "tool", tool.Name)
			continue
		}
		res.Err = &tools.Error{Tool: tool.Name, Attempts: attempt + 1, Err: out.err}
		return res, nil
	}
}

// invoke runs one handler attempt inside the isolation boundary. With no
// timeout configured the handler runs synchronously and panics are recovered
// in place. With a timeout the handler runs in a worker goroutine whose
// outcome (including a recovered panic) is delivered over a buffered channel;
// on deadline the worker is abandoned and the second return value is true.
// Run-level cancellation never interrupts an in-flight handler; only its own
// timeout does.
func (e *Executor) invoke(tool *tools.Tool, args any, snap run.Snapshot) (outcome, bool) {
	if tool.Timeout <= 0 {
		return call(tool.Handler, snap, args), false
	}

	// The buffered channel lets an abandoned worker finish its send without
	// leaking a blocked goroutine.
	ch := make(chan outcome, 1)
	go func() {
		ch <- call(tool.Handler, snap, args)
	}()

	timer := time.NewTimer(tool.Timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out, false
	case <-timer.C:
		return outcome{}, true
	}
}

// call invokes the handler and converts any panic into an error value. The
// panic value's identity is preserved so the retry path sees the original
// fault.
func call(h tools.Handler, snap run.Snapshot, args any) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.panicked = true
			if err, ok := r.(error); ok {
				out.err = fmt.Errorf("tool panicked: %w", err)
			} else {
				out.err = fmt.Errorf("tool panicked: %v", r)
			}
		}
	}()
	out.value, out.err = h.Call(snap, args)
	return out
}

// splitUpdate separates a handler result into its value and any requested
// dependency update. Handlers either return tools.WithUpdate explicitly or,
// on the legacy path, a plain map carrying the conventional update key, which
// is extracted and stripped before the value reaches the model.
func splitUpdate(value any) (any, *run.Update) {
	switch v := value.(type) {
	case tools.WithUpdate:
		return v.Value, v.Update
	case *tools.WithUpdate:
		if v == nil {
			return nil, nil
		}
		return v.Value, v.Update
	case map[string]any:
		raw, ok := v[tools.UpdateKey]
		if !ok {
			return v, nil
		}
		update, _ := raw.(*run.Update)
		stripped := make(map[string]any, len(v)-1)
		for k, val := range v {
			if k == tools.UpdateKey {
				continue
			}
			stripped[k] = val
		}
		return stripped, update
	default:
		return value, nil
	}
}
