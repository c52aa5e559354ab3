// Command assistant runs a small tool-using agent against the provider
// selected on the command line. It exercises the YAML configuration loader,
// the provider dispatcher, the client middlewares and the run loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/parley-ai/parley/config"
	"github.com/parley-ai/parley/hooks"
	"github.com/parley-ai/parley/providers"
	"github.com/parley-ai/parley/providers/middleware"
	"github.com/parley-ai/parley/runner"
	"github.com/parley-ai/parley/telemetry"
	"github.com/parley-ai/parley/tools"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file")
		providerF = flag.String("provider", "", "Provider name (defaults to the configured default_provider)")
		modelF    = flag.String("model", "", "Model identifier (overrides the configured model)")
		promptF   = flag.String("prompt", "What is 21 times 2?", "User prompt")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *providerF, *modelF, *promptF); err != nil {
		log.Errorf(ctx, err, "run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, provider, modelID, prompt string) error {
	// Resolve the provider configuration. Without a config file the provider
	// name alone is enough for known vendors: API keys come from the
	// conventional environment variables.
	var pcfg providers.Config
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		pcfg, err = cfg.ProviderConfig(provider)
		if err != nil {
			return err
		}
	} else {
		if provider == "" {
			provider = string(providers.ProviderOpenAI)
		}
		cfg := &config.Config{Providers: map[string]config.ProviderConfig{provider: {}}}
		var err error
		pcfg, err = cfg.ProviderConfig(provider)
		if err != nil {
			return err
		}
	}
	if modelID != "" {
		pcfg.Model = modelID
	}

	client, err := providers.New(ctx, pcfg)
	if err != nil {
		return err
	}

	// Retry transient failures and smooth request bursts.
	limiter := middleware.NewAdaptiveRateLimiter(60000, 120000)
	client = middleware.Chain(client,
		middleware.Retry(middleware.RetryOptions{}),
		limiter.Middleware(),
	)

	multiply := &tools.Tool{
		Name:        "multiply",
		Description: "Multiply two integers and return the product.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "integer"},
				"b": map[string]any{"type": "integer"},
			},
			"required": []string{"a", "b"},
		},
		Handler: tools.Func(func(args any) (any, error) {
			m, ok := args.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object arguments, got %T", args)
			}
			a, _ := m["a"].(float64)
			b, _ := m["b"].(float64)
			return int(a) * int(b), nil
		}),
	}

	agent, err := runner.New("assistant", client,
		runner.WithSystemPrompt("You are a concise assistant. Use the multiply tool for arithmetic."),
		runner.WithTools(multiply),
		runner.WithMaxIterations(5),
		runner.WithLogger(telemetry.NewClueLogger()),
	)
	if err != nil {
		return err
	}

	callbacks := map[hooks.EventType]hooks.Callback{
		hooks.EventToolCallStarted: func(ctx context.Context, ev hooks.Event) {
			if tc, ok := ev.(*hooks.ToolCallStarted); ok {
				log.Infof(ctx, "tool call: %s(%v)", tc.Call.Name, tc.Call.Args)
			}
		},
	}

	outcome, err := agent.Run(ctx, prompt, runner.WithCallbacks(callbacks))
	if err != nil {
		return err
	}

	fmt.Println(outcome.Text())
	log.Print(ctx, log.KV{K: "iterations", V: outcome.Iterations},
		log.KV{K: "input_tokens", V: outcome.Usage.InputTokens},
		log.KV{K: "output_tokens", V: outcome.Usage.OutputTokens})
	return nil
}
