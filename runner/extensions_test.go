package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/hooks"
	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/tools"
)

// testExtension implements the full hook surface with overridable funcs.
type testExtension struct {
	name          string
	init          func(ctx context.Context, rc *run.Context) (*run.Context, error)
	tools         func(rc *run.Context) []*tools.Tool
	prompt        func(rc *run.Context) string
	beforeRequest func(ctx context.Context, rc *run.Context, ts []*tools.Tool) (*run.Context, []*tools.Tool, error)
	afterResponse func(ctx context.Context, rc *run.Context) (*run.Context, error)
	onError       func(ctx context.Context, rc *run.Context, err error) hooks.Recovery
}

func (e *testExtension) Name() string { return e.name }

func (e *testExtension) Init(ctx context.Context, rc *run.Context) (*run.Context, error) {
	if e.init == nil {
		return rc, nil
	}
	return e.init(ctx, rc)
}

func (e *testExtension) Tools(rc *run.Context) []*tools.Tool {
	if e.tools == nil {
		return nil
	}
	return e.tools(rc)
}

func (e *testExtension) SystemPrompt(rc *run.Context) string {
	if e.prompt == nil {
		return ""
	}
	return e.prompt(rc)
}

func (e *testExtension) BeforeRequest(ctx context.Context, rc *run.Context, ts []*tools.Tool) (*run.Context, []*tools.Tool, error) {
	if e.beforeRequest == nil {
		return rc, ts, nil
	}
	return e.beforeRequest(ctx, rc, ts)
}

func (e *testExtension) AfterResponse(ctx context.Context, rc *run.Context) (*run.Context, error) {
	if e.afterResponse == nil {
		return rc, nil
	}
	return e.afterResponse(ctx, rc)
}

func (e *testExtension) OnError(ctx context.Context, rc *run.Context, err error) hooks.Recovery {
	if e.onError == nil {
		return hooks.Recovery{Action: hooks.RecoveryFail}
	}
	return e.onError(ctx, rc, err)
}

func TestExtensionContributesTools(t *testing.T) {
	t.Parallel()

	contributed := &tools.Tool{
		Name:    "search",
		Handler: tools.Func(func(args any) (any, error) { return "results", nil }),
	}
	ext := &testExtension{
		name:  "search-pack",
		tools: func(rc *run.Context) []*tools.Tool { return []*tools.Tool{contributed} },
	}

	client := &scriptedClient{responses: []model.Response{
		toolResponse(model.ToolCall{ID: "c1", Name: "search"}),
		textResponse("found"),
	}}
	agent, err := New("agent", client, WithExtensions(ext))
	require.NoError(t, err)

	outcome, err := agent.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "found", outcome.Output)
	assert.Equal(t, "results", outcome.Messages[2].Content)
}

func TestExtensionToolCollisionAgentWins(t *testing.T) {
	t.Parallel()

	agentTool := &tools.Tool{
		Name:    "lookup",
		Handler: tools.Func(func(args any) (any, error) { return "agent version", nil }),
	}
	extTool := &tools.Tool{
		Name:    "lookup",
		Handler: tools.Func(func(args any) (any, error) { return "extension version", nil }),
	}
	ext := &testExtension{
		name:  "shadow",
		tools: func(rc *run.Context) []*tools.Tool { return []*tools.Tool{extTool} },
	}

	client := &scriptedClient{responses: []model.Response{
		toolResponse(model.ToolCall{ID: "c1", Name: "lookup"}),
		textResponse("done"),
	}}
	agent, err := New("agent", client, WithTools(agentTool), WithExtensions(ext))
	require.NoError(t, err)

	outcome, err := agent.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "agent version", outcome.Messages[2].Content)
	// The duplicate definition was not offered to the model.
	require.Len(t, client.requests[0].Tools, 1)
}

func TestExtensionPromptFragments(t *testing.T) {
	t.Parallel()

	first := &testExtension{name: "a", prompt: func(rc *run.Context) string { return "fragment one" }}
	second := &testExtension{name: "b", prompt: func(rc *run.Context) string { return "fragment two" }}

	client := &scriptedClient{responses: []model.Response{textResponse("ok")}}
	agent, err := New("agent", client,
		WithSystemPrompt("base prompt"),
		WithExtensions(first, second),
	)
	require.NoError(t, err)

	outcome, err := agent.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "base prompt\n\nfragment one\n\nfragment two", outcome.Messages[0].Content)
}

func TestExtensionPromptSynthesizesSystemMessage(t *testing.T) {
	t.Parallel()

	ext := &testExtension{name: "a", prompt: func(rc *run.Context) string { return "injected" }}
	client := &scriptedClient{responses: []model.Response{textResponse("ok")}}
	agent, err := New("agent", client, WithExtensions(ext))
	require.NoError(t, err)

	outcome, err := agent.Run(context.Background(), "hi")
	require.NoError(t, err)
	require.Len(t, outcome.Messages, 3)
	assert.Equal(t, model.RoleSystem, outcome.Messages[0].Role)
	assert.Equal(t, "injected", outcome.Messages[0].Content)
}

func TestExtensionInitError(t *testing.T) {
	t.Parallel()

	ext := &testExtension{
		name: "failing",
		init: func(ctx context.Context, rc *run.Context) (*run.Context, error) {
			return nil, errors.New("missing credential")
		},
	}
	agent, err := New("agent", &scriptedClient{}, WithExtensions(ext))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "hi")
	require.ErrorContains(t, err, "missing credential")
}

func TestExtensionBeforeRequestFiltersTools(t *testing.T) {
	t.Parallel()

	tl := &tools.Tool{
		Name:    "secret",
		Handler: tools.Func(func(args any) (any, error) { return nil, nil }),
	}
	ext := &testExtension{
		name: "filter",
		beforeRequest: func(ctx context.Context, rc *run.Context, ts []*tools.Tool) (*run.Context, []*tools.Tool, error) {
			return rc, []*tools.Tool{}, nil
		},
	}

	client := &scriptedClient{responses: []model.Response{textResponse("ok")}}
	agent, err := New("agent", client, WithTools(tl), WithExtensions(ext))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Empty(t, client.requests[0].Tools)
}

func TestExtensionErrorRecoveryRetry(t *testing.T) {
	t.Parallel()

	transient := errors.New("upstream hiccup")
	client := &scriptedClient{
		errs:      []error{transient},
		responses: []model.Response{{}, textResponse("recovered")},
	}
	ext := &testExtension{
		name: "recoverer",
		onError: func(ctx context.Context, rc *run.Context, err error) hooks.Recovery {
			return hooks.Recovery{Action: hooks.RecoveryRetry}
		},
	}
	agent, err := New("agent", client, WithExtensions(ext))
	require.NoError(t, err)

	outcome, err := agent.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", outcome.Output)
	// The failed request still consumed an iteration.
	assert.Equal(t, 2, outcome.Iterations)
}

func TestExtensionErrorRecoveryBoundedByIterations(t *testing.T) {
	t.Parallel()

	transient := errors.New("always failing")
	client := &scriptedClient{errs: []error{transient, transient, transient}}
	ext := &testExtension{
		name: "stubborn",
		onError: func(ctx context.Context, rc *run.Context, err error) hooks.Recovery {
			return hooks.Recovery{Action: hooks.RecoveryRetry}
		},
	}
	agent, err := New("agent", client, WithExtensions(ext))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "hi", WithRunMaxIterations(3))
	var mie *MaxIterationsError
	require.ErrorAs(t, err, &mie)
	assert.Len(t, client.requests, 3)
}

func TestExtensionErrorRecoveryFailPropagates(t *testing.T) {
	t.Parallel()

	fault := errors.New("hard failure")
	client := &scriptedClient{errs: []error{fault}}
	ext := &testExtension{name: "bystander"}
	agent, err := New("agent", client, WithExtensions(ext))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "hi")
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, fault)
}
