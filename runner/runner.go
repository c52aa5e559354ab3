// Package runner implements the agent iteration loop: it alternates model
// requests and tool execution until a behavior judges the conversation
// complete, then extracts the run's output. The loop is vendor-agnostic; all
// protocol detail lives behind model.Client.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-ai/parley/hooks"
	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/outputs"
	"github.com/parley-ai/parley/providers"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/telemetry"
	"github.com/parley-ai/parley/tools"
	"github.com/parley-ai/parley/tools/executor"
)

// Agent binds a model client, a tool set and a behavior into a runnable
// conversational agent. Agents are immutable after construction and safe for
// concurrent runs; all per-run state lives in the run.Context.
type Agent struct {
	name       string
	client     model.Client
	behavior   Behavior
	tools      map[string]*tools.Tool
	toolOrder  []string
	extensions []hooks.Extension
	exec       *executor.Executor

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	systemPrompt     string
	systemPromptFunc func(deps map[string]any) string

	modelID       string
	temperature   float32
	maxTokens     int
	maxIterations int
	toolTimeout   time.Duration

	approver ApprovalHandler

	output         *outputs.Spec
	outputProvider providers.Provider
}

// New builds an Agent.
func New(name string, client model.Client, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, errors.New("runner: agent name is required")
	}
	if client == nil {
		return nil, errors.New("runner: model client is required")
	}
	a := &Agent{
		name:          name,
		client:        client,
		behavior:      TextBehavior{},
		tools:         make(map[string]*tools.Tool),
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		tracer:        telemetry.NewNoopTracer(),
		maxIterations: defaultMaxIterations,
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	for _, name := range a.toolOrder {
		if err := a.tools[name].Validate(); err != nil {
			return nil, err
		}
	}
	if a.output != nil {
		a.behavior = &StructuredBehavior{Spec: a.output}
	}
	a.exec = executor.New(executor.WithLogger(a.logger), executor.WithMetrics(a.metrics))
	return a, nil
}

// Name returns the agent identifier.
func (a *Agent) Name() string { return a.name }

// Run executes the iteration loop for one user input and blocks until the
// run completes or fails. The input may be empty when a continuation context
// already ends with an unanswered user message.
func (a *Agent) Run(ctx context.Context, input string, opts ...RunOption) (*RunOutcome, error) {
	o := &runOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	dispatcher := hooks.NewDispatcher(o.callbacks, o.notifier, a.logger)

	rc, err := a.initContext(ctx, input, o)
	if err != nil {
		return nil, err
	}

	ctx, span := a.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent", a.name),
		attribute.String("run_id", rc.RunID),
	))
	defer span.End()

	dispatcher.Dispatch(ctx, &hooks.RunStarted{
		Base:  hooks.NewBase(hooks.EventRunStarted, rc.RunID),
		Agent: a.name,
	})

	outcome, err := a.loop(ctx, rc, o, dispatcher)
	if err != nil {
		span.RecordError(err)
		a.metrics.IncCounter("parley.run.errors", 1, "agent", a.name)
		dispatcher.Dispatch(ctx, &hooks.RunErrored{
			Base: hooks.NewBase(hooks.EventRunErrored, rc.RunID),
			Err:  err,
		})
		return nil, err
	}
	a.metrics.IncCounter("parley.run.completed", 1, "agent", a.name)
	dispatcher.Dispatch(ctx, &hooks.RunCompleted{
		Base:   hooks.NewBase(hooks.EventRunCompleted, rc.RunID),
		Output: outcome.Output,
		Usage:  outcome.Usage,
	})
	return outcome, nil
}

// initContext assembles the starting run context: continuation or fresh
// state, system prompt (static, computed, plus extension fragments), seeded
// history, the new user message, and the init hook pipeline.
func (a *Agent) initContext(ctx context.Context, input string, o *runOptions) (*run.Context, error) {
	var rc *run.Context
	if o.continuation != nil {
		rc = o.continuation.Continue()
		rc.RunID = uuid.NewString()
	} else {
		rc = &run.Context{
			RunID: uuid.NewString(),
			Deps:  o.deps,
		}
		if prompt := a.composePrompt(rc.Deps); prompt != "" {
			rc.Messages = append(rc.Messages, &model.Message{Role: model.RoleSystem, Content: prompt})
		}
		rc.Messages = append(rc.Messages, o.history...)
	}
	if o.deps != nil && o.continuation != nil {
		// Continuations may refresh dependencies for the new run.
		rc.Deps = o.deps
	}
	rc.MaxIterations = o.maxIterations
	if rc.MaxIterations <= 0 {
		rc.MaxIterations = a.maxIterations
	}
	rc.CancelCheck = o.cancel
	rc.Iteration = 0

	if input != "" {
		rc.Append(&model.Message{Role: model.RoleUser, Content: input})
	}
	if len(rc.Messages) == 0 {
		return nil, errors.New("runner: run requires an input message or seeded history")
	}

	if pb, ok := a.behavior.(interface{ PromptFragment() string }); ok {
		a.appendPromptFragment(rc, pb.PromptFragment())
	}
	for _, ext := range a.extensions {
		if frag, ok := ext.(hooks.PromptContributor); ok {
			a.appendPromptFragment(rc, frag.SystemPrompt(rc))
		}
	}
	for _, ext := range a.extensions {
		init, ok := ext.(hooks.Initializer)
		if !ok {
			continue
		}
		next, err := init.Init(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("runner: extension %q init: %w", ext.Name(), err)
		}
		if next != nil {
			rc = next
		}
	}
	return rc, nil
}

func (a *Agent) composePrompt(deps map[string]any) string {
	if a.systemPromptFunc != nil {
		return a.systemPromptFunc(deps)
	}
	return a.systemPrompt
}

// appendPromptFragment folds an extension's prompt fragment into the system
// message, creating one when the conversation has none.
func (a *Agent) appendPromptFragment(rc *run.Context, fragment string) {
	if fragment == "" {
		return
	}
	if sys := rc.SystemMessage(); sys != nil {
		if sys.Content != "" {
			sys.Content += "\n\n"
		}
		sys.Content += fragment
		return
	}
	rc.Messages = append([]*model.Message{{Role: model.RoleSystem, Content: fragment}}, rc.Messages...)
}

// loop is the iteration state machine. Each pass polls cancellation, checks
// the iteration budget, issues one model request and either finishes the run
// or resolves the response's tool calls in emission order.
func (a *Agent) loop(ctx context.Context, rc *run.Context, o *runOptions, dispatcher *hooks.Dispatcher) (*RunOutcome, error) {
	var lastCalls string
	for {
		if rc.CancelCheck != nil && rc.CancelCheck(ctx) {
			return nil, &CancelledError{RunID: rc.RunID, Iteration: rc.Iteration}
		}
		if rc.Iteration >= rc.MaxIterations {
			return nil, &MaxIterationsError{RunID: rc.RunID, Limit: rc.MaxIterations}
		}

		toolSet := a.assembleTools(rc)
		var err error
		rc, toolSet, err = a.prepareRequestHooks(ctx, rc, toolSet)
		if err != nil {
			return nil, err
		}

		req := a.buildRequest(rc, toolSet, o)
		resp, err := a.client.Complete(ctx, req)
		if err != nil {
			recovery := a.recoverModelError(ctx, rc, err)
			switch recovery.Action {
			case hooks.RecoveryRetry, hooks.RecoveryContinue:
				if recovery.Context != nil {
					rc = recovery.Context
				}
				// The iteration still counts against the budget so a hook
				// cannot retry forever.
				rc.Iteration++
				continue
			default:
				return nil, &ModelError{RunID: rc.RunID, Err: err}
			}
		}
		if resp.Message == nil {
			return nil, &ModelError{RunID: rc.RunID, Err: errors.New("provider returned an empty response")}
		}

		rc.AddUsage(resp.Usage)
		rc.Append(resp.Message)
		rc.Iteration++
		dispatcher.Dispatch(ctx, &hooks.ModelMessage{
			Base:      hooks.NewBase(hooks.EventModelMessage, rc.RunID),
			Message:   resp.Message,
			Iteration: rc.Iteration,
		})
		for _, ext := range a.extensions {
			obs, ok := ext.(hooks.ResponseObserver)
			if !ok {
				continue
			}
			next, err := obs.AfterResponse(ctx, rc)
			if err != nil {
				return nil, fmt.Errorf("runner: extension %q after response: %w", ext.Name(), err)
			}
			if next != nil {
				rc = next
			}
		}

		if a.behavior.Done(rc, &resp) {
			output, err := a.behavior.ExtractOutput(rc, &resp)
			if err != nil {
				return nil, &ExtractionError{RunID: rc.RunID, Err: err}
			}
			return &RunOutcome{
				Output:      output,
				Usage:       rc.Usage,
				Messages:    rc.Messages,
				NewMessages: rc.NewMessages,
				Context:     rc,
				Iterations:  rc.Iteration,
			}, nil
		}

		// Repeated identical call batches across consecutive iterations are
		// a strong loop signal. Advisory only: the iteration budget is the
		// enforcement mechanism.
		if sig := callSignature(resp.Message.ToolCalls); sig != "" && sig == lastCalls {
			a.logger.Warn(ctx, "model repeated the previous tool call batch",
				"run_id", rc.RunID,
				"iteration", rc.Iteration,
			)
		} else {
			lastCalls = sig
		}

		for _, call := range resp.Message.ToolCalls {
			a.resolveToolCall(ctx, rc, toolSet, call, dispatcher)
		}
	}
}

// assembleTools merges the agent's tools with extension contributions in
// registration order. The agent's own tool wins on a name collision.
func (a *Agent) assembleTools(rc *run.Context) []*tools.Tool {
	out := make([]*tools.Tool, 0, len(a.toolOrder))
	seen := make(map[string]bool, len(a.toolOrder))
	for _, name := range a.toolOrder {
		out = append(out, a.tools[name])
		seen[name] = true
	}
	for _, ext := range a.extensions {
		contrib, ok := ext.(hooks.ToolContributor)
		if !ok {
			continue
		}
		for _, t := range contrib.Tools(rc) {
			if t == nil || t.Name == "" || seen[t.Name] {
				continue
			}
			out = append(out, t)
			seen[t.Name] = true
		}
	}
	return out
}

func (a *Agent) prepareRequestHooks(ctx context.Context, rc *run.Context, ts []*tools.Tool) (*run.Context, []*tools.Tool, error) {
	for _, ext := range a.extensions {
		prep, ok := ext.(hooks.RequestPreparer)
		if !ok {
			continue
		}
		next, nextTools, err := prep.BeforeRequest(ctx, rc, ts)
		if err != nil {
			return nil, nil, fmt.Errorf("runner: extension %q before request: %w", ext.Name(), err)
		}
		if next != nil {
			rc = next
		}
		if nextTools != nil {
			ts = nextTools
		}
	}
	return rc, ts, nil
}

func (a *Agent) buildRequest(rc *run.Context, ts []*tools.Tool, o *runOptions) model.Request {
	req := model.Request{
		Model:       a.modelID,
		Messages:    rc.Messages,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	if o.modelOverride != "" {
		req.Model = o.modelOverride
	}
	if o.temperature != nil {
		req.Temperature = *o.temperature
	}
	if o.maxTokens != nil {
		req.MaxTokens = *o.maxTokens
	}
	for _, t := range ts {
		req.Tools = append(req.Tools, t.Definition())
	}
	settings := outputs.ProviderSettings(a.output, a.outputProvider)
	for k, v := range o.settings {
		if settings == nil {
			settings = make(map[string]any, len(o.settings))
		}
		settings[k] = v
	}
	req.Settings = settings
	return req
}

func (a *Agent) recoverModelError(ctx context.Context, rc *run.Context, err error) hooks.Recovery {
	for _, ext := range a.extensions {
		handler, ok := ext.(hooks.ErrorHandler)
		if !ok {
			continue
		}
		if rec := handler.OnError(ctx, rc, err); rec.Action != "" && rec.Action != hooks.RecoveryFail {
			a.logger.Info(ctx, "extension recovered model error",
				"extension", ext.Name(),
				"action", string(rec.Action),
				"err", err,
			)
			return rec
		}
	}
	return hooks.Recovery{Action: hooks.RecoveryFail}
}

// resolveToolCall executes one model-issued call and appends its result
// message. Every path appends exactly one tool message: unknown tools and
// rejected approvals synthesize results so the model can observe the failure
// and adapt, rather than aborting the run.
func (a *Agent) resolveToolCall(ctx context.Context, rc *run.Context, ts []*tools.Tool, call model.ToolCall, dispatcher *hooks.Dispatcher) {
	rc.Usage.ToolCalls++
	dispatcher.Dispatch(ctx, &hooks.ToolCallStarted{
		Base: hooks.NewBase(hooks.EventToolCallStarted, rc.RunID),
		Call: call,
	})

	res := a.executeToolCall(ctx, rc, ts, call)

	if res.Update != nil {
		rc.Deps = res.Update.Apply(rc.Deps)
	}
	rc.Append(toolResultMessage(call, res))
	dispatcher.Dispatch(ctx, &hooks.ToolCallCompleted{
		Base:   hooks.NewBase(hooks.EventToolCallCompleted, rc.RunID),
		Result: res,
	})
}

func (a *Agent) executeToolCall(ctx context.Context, rc *run.Context, ts []*tools.Tool, call model.ToolCall) *tools.Result {
	var tool *tools.Tool
	for _, t := range ts {
		if t.Name == call.Name {
			tool = t
			break
		}
	}
	if tool == nil {
		a.logger.Warn(ctx, "model requested unknown tool",
			"run_id", rc.RunID,
			"tool", call.Name,
		)
		a.metrics.IncCounter("parley.tool.unknown", 1, "agent", a.name)
		return &tools.Result{
			Name:       call.Name,
			ToolCallID: call.ID,
			Err:        fmt.Errorf("unknown tool %q: not available in this run", call.Name),
		}
	}

	snap := rc.Snapshot()
	if tool.RequiresApproval {
		verdict := Approval{Reason: "no approval handler configured"}
		if a.approver != nil {
			verdict = a.approver(ctx, snap, call)
		}
		if !verdict.Approved {
			reason := verdict.Reason
			if reason == "" {
				reason = "request denied"
			}
			a.logger.Info(ctx, "tool call rejected",
				"run_id", rc.RunID,
				"tool", call.Name,
				"reason", reason,
			)
			return &tools.Result{
				Name:       call.Name,
				ToolCallID: call.ID,
				Err:        fmt.Errorf("tool call rejected: %s", reason),
			}
		}
		if verdict.Args != nil {
			call.Args = verdict.Args
		}
	}

	if tool.Timeout <= 0 && a.toolTimeout > 0 {
		clone := *tool
		clone.Timeout = a.toolTimeout
		tool = &clone
	}
	res, err := a.exec.Execute(ctx, tool, call, snap)
	if err != nil {
		// Execute fails only on invalid descriptors; surface as a result so
		// the run continues.
		return &tools.Result{Name: call.Name, ToolCallID: call.ID, Err: err}
	}
	return res
}

// toolResultMessage renders a resolved call as the tool-role message
// appended to the conversation. Errors cross into the transcript as data;
// Meta carries the error flag and tool name for adapters that need them.
func toolResultMessage(call model.ToolCall, res *tools.Result) *model.Message {
	msg := &model.Message{
		Role:       model.RoleTool,
		ToolCallID: call.ID,
		Meta:       map[string]any{"tool_name": call.Name},
	}
	if res.Err != nil {
		msg.Content = "error: " + res.Err.Error()
		msg.Meta["is_error"] = true
		return msg
	}
	msg.Content = renderToolValue(res.Value)
	return msg
}

func renderToolValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// callSignature fingerprints a tool call batch for loop detection.
func callSignature(calls []model.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	sig := ""
	for _, c := range calls {
		args, _ := json.Marshal(c.Args)
		sig += c.Name + "(" + string(args) + ");"
	}
	return sig
}
