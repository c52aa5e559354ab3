package hooks

import (
	"context"
	"time"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/telemetry"
	"github.com/parley-ai/parley/tools"
)

type (
	// Event is one lifecycle notification emitted by the runner. Concrete
	// event types embed Base and carry typed payloads; observers use type
	// switches for structured access or Type for routing.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the run that produced the event.
		RunID() string
		// Timestamp returns the Unix timestamp in milliseconds at creation.
		Timestamp() int64
	}

	// Notifier receives lifecycle events. Delivery is best-effort: a panic or
	// error inside a notifier is caught and logged by the dispatcher, never
	// propagated into the runner.
	Notifier interface {
		Notify(ctx context.Context, event Event)
	}

	// Callback handles a single event type. Callbacks registered per run are
	// invoked before the notifier, under the same isolation.
	Callback func(ctx context.Context, event Event)

	// EventType names a lifecycle notification.
	EventType string

	// Base carries the metadata shared by all events.
	Base struct {
		Kind EventType
		Run  string
		At   int64
	}

	// RunStarted signals the first iteration is about to begin.
	RunStarted struct {
		Base
		// Agent is the agent identifier.
		Agent string
	}

	// ModelMessage signals a model response was appended to the conversation.
	ModelMessage struct {
		Base
		// Message is the appended assistant message.
		Message *model.Message
		// Iteration is the 1-based iteration that produced the message.
		Iteration int
	}

	// ToolCallStarted signals a tool invocation is about to execute.
	ToolCallStarted struct {
		Base
		// Call is the model-issued invocation.
		Call model.ToolCall
	}

	// ToolCallCompleted signals a tool invocation resolved.
	ToolCallCompleted struct {
		Base
		// Result is the resolved outcome, including synthesized rejection and
		// unknown-tool results.
		Result *tools.Result
	}

	// StreamDelta relays one normalized streaming chunk during a streaming
	// run.
	StreamDelta struct {
		Base
		// Chunk is the normalized chunk. Unknown chunks are filtered before
		// this event fires.
		Chunk model.Chunk
	}

	// RunCompleted signals the run resolved successfully.
	RunCompleted struct {
		Base
		// Output is the extracted output value.
		Output any
		// Usage is the final usage total.
		Usage run.Usage
	}

	// RunErrored signals the run resolved with a terminal error.
	RunErrored struct {
		Base
		// Err is the terminal error.
		Err error
	}

	// Dispatcher fans events out to per-run callbacks and the notification
	// sink, isolating the runner from observer faults.
	Dispatcher struct {
		callbacks map[EventType]Callback
		notifier  Notifier
		logger    telemetry.Logger
	}
)

// Lifecycle event types.
const (
	EventRunStarted        EventType = "run_started"
	EventModelMessage      EventType = "model_message"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventStreamDelta       EventType = "stream_delta"
	EventRunCompleted      EventType = "run_completed"
	EventRunErrored        EventType = "run_errored"
)

// NewBase builds event metadata stamped with the current time.
func NewBase(kind EventType, runID string) Base {
	return Base{Kind: kind, Run: runID, At: time.Now().UnixMilli()}
}

// Type implements Event.
func (b Base) Type() EventType { return b.Kind }

// RunID implements Event.
func (b Base) RunID() string { return b.Run }

// Timestamp implements Event.
func (b Base) Timestamp() int64 { return b.At }

// NewDispatcher builds a Dispatcher. Both callbacks and notifier may be nil.
func NewDispatcher(callbacks map[EventType]Callback, notifier Notifier, logger telemetry.Logger) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Dispatcher{callbacks: callbacks, notifier: notifier, logger: logger}
}

// Dispatch delivers the event to the matching callback and the notifier.
// Observer panics are recovered and logged; they never reach the runner.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if d == nil || event == nil {
		return
	}
	if cb, ok := d.callbacks[event.Type()]; ok && cb != nil {
		d.deliver(ctx, event, func() { cb(ctx, event) }, "callback")
	}
	if d.notifier != nil {
		d.deliver(ctx, event, func() { d.notifier.Notify(ctx, event) }, "notifier")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event, fn func(), observer string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "notification observer panicked",
				"observer", observer,
				"event", string(event.Type()),
				"run_id", event.RunID(),
				"panic", r,
			)
		}
	}()
	fn()
}
