// Package run defines the mutable per-run state threaded through one agent
// execution and the declarative mutation batches tools use to change it.
//
// A run.Context is owned exclusively by one run at a time: the runner mutates
// it once per iteration (messages appended, usage accumulated, iteration
// incremented) and no two iterations touch it concurrently. When a run
// completes, its context can be handed to a later independent run as a
// continuation seed, at which point exclusive ownership transfers.
//
// Tool handlers never receive the live context. They get a read-only Snapshot
// of the dependency map and communicate intended mutations through an Update
// batch that the runner, as the single writer, applies after the isolated
// call returns. Preserving this single-writer discipline is what keeps tool
// execution safe to isolate and, later, to parallelize.
package run

import (
	"context"

	"github.com/parley-ai/parley/model"
)

type (
	// Context is the execution state for one agent run.
	Context struct {
		// RunID uniquely identifies this run.
		RunID string

		// Messages is the ordered conversation history accumulated so far.
		Messages []*model.Message

		// Deps is the opaque caller-supplied dependency map available to tools
		// and prompt functions. Mutated only by the runner, via Update batches
		// or continuation setup.
		Deps map[string]any

		// Iteration counts completed request/response cycles.
		Iteration int

		// MaxIterations bounds the controller loop. Zero means the runner
		// default applies.
		MaxIterations int

		// Usage accumulates counters across the run. Strictly additive.
		Usage Usage

		// CancelCheck, when non-nil, is polled at the top of every iteration.
		// Returning true fails the run with a cancellation error. Cancellation
		// is cooperative: in-flight tool executions are not interrupted.
		CancelCheck func(ctx context.Context) bool

		// NewMessages records the messages appended during the current run,
		// excluding any history the context was seeded with.
		NewMessages []*model.Message
	}

	// Usage aggregates per-run counters. Counters are never decremented.
	Usage struct {
		// Requests counts model invocations.
		Requests int
		// InputTokens, OutputTokens and TotalTokens accumulate provider-reported
		// token counts.
		InputTokens  int
		OutputTokens int
		TotalTokens  int
		// ToolCalls counts tool invocations resolved by the runner, including
		// rejected and unknown-tool calls.
		ToolCalls int
	}

	// Snapshot is the read-only view of the dependency map handed to tool
	// handlers. It is a copy: mutating it has no effect on the run.
	Snapshot struct {
		// RunID identifies the run the snapshot was taken from.
		RunID string
		// Iteration is the iteration count at snapshot time.
		Iteration int
		// Deps is a shallow copy of the dependency map.
		Deps map[string]any
	}

	// Update is an ordered batch of declarative dependency mutations returned
	// by a tool instead of mutating state directly.
	Update struct {
		// Ops are applied in order against Context.Deps.
		Ops []Op
	}

	// Op is a single declarative mutation. Kind selects which fields apply.
	Op struct {
		// Kind is one of OpSet, OpMerge, OpAppend, OpDelete.
		Kind OpKind
		// Key is the dependency map key the operation targets.
		Key string
		// Value is the payload for OpSet and OpAppend.
		Value any
		// Map is the payload for OpMerge.
		Map map[string]any
	}

	// OpKind identifies an Update operation.
	OpKind string
)

// Update operation kinds.
const (
	OpSet    OpKind = "set"
	OpMerge  OpKind = "merge"
	OpAppend OpKind = "append"
	OpDelete OpKind = "delete"
)

// NewUpdate builds an Update from the given operations.
func NewUpdate(ops ...Op) *Update {
	return &Update{Ops: ops}
}

// Set returns an operation that stores value under key.
func Set(key string, value any) Op { return Op{Kind: OpSet, Key: key, Value: value} }

// Merge returns an operation that merges m into the map stored under key. A
// missing or non-map current value is replaced by m.
func Merge(key string, m map[string]any) Op { return Op{Kind: OpMerge, Key: key, Map: m} }

// Append returns an operation that appends item to the slice stored under
// key. A missing current value starts a new slice; a non-slice value is
// wrapped first.
func Append(key string, item any) Op { return Op{Kind: OpAppend, Key: key, Value: item} }

// Delete returns an operation that removes key.
func Delete(key string) Op { return Op{Kind: OpDelete, Key: key} }

// Apply executes the batch against deps in operation order and returns the
// updated map. A nil deps map is allocated on first write.
func (u *Update) Apply(deps map[string]any) map[string]any {
	if u == nil || len(u.Ops) == 0 {
		return deps
	}
	if deps == nil {
		deps = make(map[string]any)
	}
	for _, op := range u.Ops {
		switch op.Kind {
		case OpSet:
			deps[op.Key] = op.Value
		case OpMerge:
			cur, ok := deps[op.Key].(map[string]any)
			if !ok {
				cur = make(map[string]any, len(op.Map))
			}
			for k, v := range op.Map {
				cur[k] = v
			}
			deps[op.Key] = cur
		case OpAppend:
			switch cur := deps[op.Key].(type) {
			case nil:
				deps[op.Key] = []any{op.Value}
			case []any:
				deps[op.Key] = append(cur, op.Value)
			default:
				deps[op.Key] = []any{cur, op.Value}
			}
		case OpDelete:
			delete(deps, op.Key)
		}
	}
	return deps
}

// Snapshot returns a read-only copy of the run's dependency state for handing
// to a tool handler.
func (c *Context) Snapshot() Snapshot {
	deps := make(map[string]any, len(c.Deps))
	for k, v := range c.Deps {
		deps[k] = v
	}
	return Snapshot{RunID: c.RunID, Iteration: c.Iteration, Deps: deps}
}

// Append records msg at the end of the conversation and in the new-message
// log.
func (c *Context) Append(msg *model.Message) {
	c.Messages = append(c.Messages, msg)
	c.NewMessages = append(c.NewMessages, msg)
}

// AddUsage accumulates one model response's counters into the run totals.
func (c *Context) AddUsage(u model.TokenUsage) {
	c.Usage.Requests++
	c.Usage.InputTokens += u.InputTokens
	c.Usage.OutputTokens += u.OutputTokens
	if u.TotalTokens > 0 {
		c.Usage.TotalTokens += u.TotalTokens
	} else {
		c.Usage.TotalTokens += u.InputTokens + u.OutputTokens
	}
}

// SystemMessage returns the current system message, or nil when the
// conversation has none.
func (c *Context) SystemMessage() *model.Message {
	for _, m := range c.Messages {
		if m.Role == model.RoleSystem {
			return m
		}
	}
	return nil
}

// Continue prepares the context for reuse by a subsequent run: the message
// history is retained, the new-message log is cleared, and the iteration
// counter resets. Usage totals carry over so continuations report cumulative
// consumption.
func (c *Context) Continue() *Context {
	out := &Context{
		RunID:         c.RunID,
		Messages:      append([]*model.Message(nil), c.Messages...),
		Deps:          c.Deps,
		MaxIterations: c.MaxIterations,
		Usage:         c.Usage,
		CancelCheck:   c.CancelCheck,
	}
	return out
}
