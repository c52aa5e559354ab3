// Package hooks defines the extension points the runner folds into its loop
// and the notification surface it emits lifecycle events on.
//
// Extensions are executed as an ordered pipeline: every hook is a pure
// transform of the run state (and, where relevant, the tool list) and the
// runner threads the returned values into the next hook in registration
// order. Ordering is explicit; nothing depends on registration side effects.
package hooks

import (
	"context"

	"github.com/parley-ai/parley/run"
	"github.com/parley-ai/parley/tools"
)

type (
	// Extension is the base contract for runner plugins. Extensions implement
	// any subset of the optional hook interfaces below; the runner checks for
	// each capability with a type assertion and skips extensions that do not
	// provide it.
	Extension interface {
		// Name identifies the extension in logs and diagnostics.
		Name() string
	}

	// Initializer rewrites the run context once, before the first iteration.
	Initializer interface {
		// Init returns the (possibly replaced) run context. Returning an error
		// fails the run before any model request.
		Init(ctx context.Context, rc *run.Context) (*run.Context, error)
	}

	// ToolContributor adds tools to the set exposed to the model. Contributed
	// tools are merged after the agent's own; on name collision the agent's
	// tool wins.
	ToolContributor interface {
		// Tools returns the extension's tool descriptors for this run.
		Tools(rc *run.Context) []*tools.Tool
	}

	// PromptContributor appends a fragment to the system prompt. Fragments are
	// appended to the existing system message in registration order, or
	// synthesized into a new one when the conversation has none. Fragments
	// never replace the agent's own prompt.
	PromptContributor interface {
		// SystemPrompt returns the fragment to append, or "" for none.
		SystemPrompt(rc *run.Context) string
	}

	// RequestPreparer runs immediately before each model request. It may
	// rewrite the context and add or remove tools; the runner threads both
	// values through the pipeline.
	RequestPreparer interface {
		BeforeRequest(ctx context.Context, rc *run.Context, ts []*tools.Tool) (*run.Context, []*tools.Tool, error)
	}

	// ResponseObserver runs after each successful model response has been
	// appended to the context.
	ResponseObserver interface {
		AfterResponse(ctx context.Context, rc *run.Context) (*run.Context, error)
	}

	// ErrorHandler is consulted when a model request fails. The first handler
	// returning a non-fail recovery wins.
	ErrorHandler interface {
		// OnError inspects the provider error and decides how the run proceeds.
		OnError(ctx context.Context, rc *run.Context, err error) Recovery
	}

	// Recovery is an ErrorHandler's decision for a failed model request.
	Recovery struct {
		// Action selects how the runner proceeds.
		Action RecoveryAction
		// Context optionally replaces the run context before the runner
		// re-enters the loop. Nil keeps the current context.
		Context *run.Context
	}

	// RecoveryAction enumerates error-recovery outcomes.
	RecoveryAction string
)

// Error-recovery outcomes.
const (
	// RecoveryFail propagates the provider error as the run's terminal error.
	RecoveryFail RecoveryAction = "fail"
	// RecoveryRetry re-enters the loop and repeats the model request with the
	// (possibly updated) context. The iteration counter still applies, so a
	// hook cannot retry past the run's iteration bound.
	RecoveryRetry RecoveryAction = "retry"
	// RecoveryContinue abandons the failed request and re-enters the loop as
	// if the iteration had completed without a response.
	RecoveryContinue RecoveryAction = "continue"
)
