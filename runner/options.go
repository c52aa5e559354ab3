package runner

import (
	"context"
	"time"

	"github.com/parley-ai/parley/hooks"
	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/outputs"
	"github.com/parley-ai/parley/providers"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/telemetry"
	"github.com/parley-ai/parley/tools"
)

// defaultMaxIterations bounds the controller loop when neither the agent nor
// the run specifies a limit.
const defaultMaxIterations = 10

type (
	// Option configures an Agent at construction time.
	Option func(*Agent)

	// ApprovalHandler gates tools declared with RequiresApproval. The
	// verdict approves, rejects, or approves with edited arguments.
	ApprovalHandler func(ctx context.Context, snap run.Snapshot, call model.ToolCall) Approval

	// Approval is an ApprovalHandler verdict on one gated tool call.
	Approval struct {
		// Approved permits execution. When false the call resolves to a
		// synthesized rejection result and the run continues.
		Approved bool

		// Reason explains a rejection to the model so it can adjust.
		Reason string

		// Args, when non-nil, replaces the call arguments before execution.
		Args any
	}

	// RunOption configures a single run.
	RunOption func(*runOptions)

	runOptions struct {
		deps          map[string]any
		history       []*model.Message
		maxIterations int
		cancel        func(ctx context.Context) bool
		callbacks     map[hooks.EventType]hooks.Callback
		notifier      hooks.Notifier
		continuation  *run.Context

		modelOverride string
		temperature   *float32
		maxTokens     *int
		settings      map[string]any
	}
)

// WithTools registers the agent's tool set. Descriptors are keyed by name;
// later registrations of the same name replace earlier ones.
func WithTools(ts ...*tools.Tool) Option {
	return func(a *Agent) {
		for _, t := range ts {
			if t == nil || t.Name == "" {
				continue
			}
			if _, exists := a.tools[t.Name]; !exists {
				a.toolOrder = append(a.toolOrder, t.Name)
			}
			a.tools[t.Name] = t
		}
	}
}

// WithSystemPrompt sets a static system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithSystemPromptFunc sets a system prompt computed from the run's
// dependency map at start time. Takes precedence over WithSystemPrompt.
func WithSystemPromptFunc(fn func(deps map[string]any) string) Option {
	return func(a *Agent) { a.systemPromptFunc = fn }
}

// WithBehavior replaces the default text-completion behavior.
func WithBehavior(b Behavior) Option {
	return func(a *Agent) {
		if b != nil {
			a.behavior = b
		}
	}
}

// WithExtensions registers extensions in pipeline order.
func WithExtensions(exts ...hooks.Extension) Option {
	return func(a *Agent) {
		for _, e := range exts {
			if e != nil {
				a.extensions = append(a.extensions, e)
			}
		}
	}
}

// WithOutput declares a structured output spec. The provider selects which
// settings fragment is sent with each request; extraction validates against
// the schema. Overrides any behavior set via WithBehavior.
func WithOutput(spec *outputs.Spec, provider providers.Provider) Option {
	return func(a *Agent) {
		a.output = spec
		a.outputProvider = provider
	}
}

// WithModel sets the default model identifier for requests.
func WithModel(id string) Option {
	return func(a *Agent) { a.modelID = id }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float32) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithMaxIterations sets the agent's default iteration bound.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithToolTimeout sets a default timeout applied to tools that do not
// declare their own.
func WithToolTimeout(d time.Duration) Option {
	return func(a *Agent) { a.toolTimeout = d }
}

// WithApprovalHandler installs the gate consulted for tools that declare
// RequiresApproval. Without a handler such tools are rejected.
func WithApprovalHandler(h ApprovalHandler) Option {
	return func(a *Agent) { a.approver = h }
}

// WithLogger configures the agent logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics configures the agent metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(a *Agent) {
		if metrics != nil {
			a.metrics = metrics
		}
	}
}

// WithTracer configures the agent tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(a *Agent) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// WithDeps supplies the run's dependency map, available to tool handlers as
// a read-only snapshot and to the system prompt function.
func WithDeps(deps map[string]any) RunOption {
	return func(o *runOptions) { o.deps = deps }
}

// WithHistory seeds the conversation with prior messages. Ignored when
// continuing from an existing context.
func WithHistory(msgs ...*model.Message) RunOption {
	return func(o *runOptions) { o.history = append(o.history, msgs...) }
}

// WithRunMaxIterations overrides the agent's iteration bound for this run.
func WithRunMaxIterations(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithCancel installs the cancellation predicate polled at the top of every
// iteration.
func WithCancel(fn func(ctx context.Context) bool) RunOption {
	return func(o *runOptions) { o.cancel = fn }
}

// WithCallbacks registers per-event callbacks for this run.
func WithCallbacks(cbs map[hooks.EventType]hooks.Callback) RunOption {
	return func(o *runOptions) { o.callbacks = cbs }
}

// WithNotifier installs the notification sink for this run.
func WithNotifier(n hooks.Notifier) RunOption {
	return func(o *runOptions) { o.notifier = n }
}

// WithContinuation resumes a previous run's context: message history, deps
// and usage totals carry over. Ownership of the context transfers to the new
// run.
func WithContinuation(rc *run.Context) RunOption {
	return func(o *runOptions) { o.continuation = rc }
}

// WithModelOverride selects a different model identifier for this run.
func WithModelOverride(id string) RunOption {
	return func(o *runOptions) { o.modelOverride = id }
}

// WithRunTemperature overrides the sampling temperature for this run.
func WithRunTemperature(t float32) RunOption {
	return func(o *runOptions) { o.temperature = &t }
}

// WithRunMaxTokens overrides the completion token cap for this run.
func WithRunMaxTokens(n int) RunOption {
	return func(o *runOptions) { o.maxTokens = &n }
}

// WithSettings merges provider-specific settings into every request this run
// issues.
func WithSettings(settings map[string]any) RunOption {
	return func(o *runOptions) {
		if o.settings == nil {
			o.settings = make(map[string]any, len(settings))
		}
		for k, v := range settings {
			o.settings[k] = v
		}
	}
}
