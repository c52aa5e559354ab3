// Package providers routes canonical model requests to the adapter that
// speaks the configured vendor's wire protocol. Each adapter implements
// model.Client; the iteration loop never sees vendor-specific shapes.
//
// Providers are grouped into families sharing a wire protocol. Bespoke
// families (Anthropic, Google, Bedrock) get dedicated adapters; every other
// provider, including ones this package has never heard of, falls back to the
// OpenAI-compatible family.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/providers/anthropic"
	"github.com/parley-ai/parley/providers/bedrock"
	"github.com/parley-ai/parley/providers/compat"
	"github.com/parley-ai/parley/providers/google"
	"github.com/parley-ai/parley/providers/openai"
	"github.com/parley-ai/parley/telemetry"
)

type (
	// Provider identifies a model vendor.
	Provider string

	// Family identifies a wire protocol shared by one or more providers.
	Family string

	// Config selects and parameterizes a provider adapter.
	Config struct {
		// Provider selects the vendor. Required.
		Provider Provider

		// APIKey authenticates against the vendor. Unused by Bedrock and by
		// local endpoints (Ollama, LM Studio).
		APIKey string

		// BaseURL overrides the provider's default endpoint. Required for
		// providers without a known default.
		BaseURL string

		// Model is the default model identifier used when a request does not
		// specify one.
		Model string

		// RequestTimeout bounds one HTTP request. Zero selects the provider
		// default: longer for self-hosted local endpoints than for cloud APIs.
		RequestTimeout time.Duration

		// HTTPClient overrides the HTTP client used by the OpenAI-compatible
		// family. Nil builds one from RequestTimeout.
		HTTPClient *http.Client

		// Bedrock is the AWS Bedrock runtime client. Required for
		// ProviderBedrock; ignored otherwise.
		Bedrock *bedrockruntime.Client

		// Logger receives adapter diagnostics. Nil means no logging.
		Logger telemetry.Logger
	}
)

// Known providers.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderAzure      Provider = "azure"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderBedrock    Provider = "bedrock"
	ProviderGroq       Provider = "groq"
	ProviderXAI        Provider = "xai"
	ProviderMistral    Provider = "mistral"
	ProviderDeepSeek   Provider = "deepseek"
	ProviderTogether   Provider = "together"
	ProviderOpenRouter Provider = "openrouter"
	ProviderPerplexity Provider = "perplexity"
	ProviderFireworks  Provider = "fireworks"
	ProviderCerebras   Provider = "cerebras"
	ProviderOllama     Provider = "ollama"
	ProviderLMStudio   Provider = "lmstudio"
)

// Wire protocol families.
const (
	// FamilyOpenAI is the OpenAI Chat Completions protocol spoken through the
	// official endpoint (and Azure deployments of it).
	FamilyOpenAI Family = "openai"
	// FamilyAnthropic is the Anthropic Messages protocol.
	FamilyAnthropic Family = "anthropic"
	// FamilyGoogle is the Google Gemini generateContent protocol.
	FamilyGoogle Family = "google"
	// FamilyBedrock is the AWS Bedrock Converse protocol.
	FamilyBedrock Family = "bedrock"
	// FamilyCompat is the OpenAI-compatible protocol spoken by third-party and
	// local endpoints. Providers without a bespoke adapter route here.
	FamilyCompat Family = "compat"
)

// defaultBaseURLs maps compat-family providers to their published endpoints.
var defaultBaseURLs = map[Provider]string{
	ProviderGroq:       "https://api.groq.com/openai/v1",
	ProviderXAI:        "https://api.x.ai/v1",
	ProviderMistral:    "https://api.mistral.ai/v1",
	ProviderDeepSeek:   "https://api.deepseek.com/v1",
	ProviderTogether:   "https://api.together.xyz/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
	ProviderPerplexity: "https://api.perplexity.ai",
	ProviderFireworks:  "https://api.fireworks.ai/inference/v1",
	ProviderCerebras:   "https://api.cerebras.ai/v1",
	ProviderOllama:     "http://localhost:11434/v1",
	ProviderLMStudio:   "http://localhost:1234/v1",
}

// localProviders run on the caller's machine and get a longer default request
// timeout than cloud endpoints.
var localProviders = map[Provider]bool{
	ProviderOllama:   true,
	ProviderLMStudio: true,
}

// Default request timeouts per endpoint locality.
const (
	defaultCloudTimeout = 2 * time.Minute
	defaultLocalTimeout = 5 * time.Minute
)

// Known reports whether p is one of the named providers. Unknown providers
// still route through the compat family but carry no endpoint or timeout
// defaults.
func Known(p Provider) bool {
	switch p {
	case ProviderOpenAI, ProviderAzure, ProviderAnthropic, ProviderGoogle,
		ProviderBedrock, ProviderGroq, ProviderXAI, ProviderMistral,
		ProviderDeepSeek, ProviderTogether, ProviderOpenRouter,
		ProviderPerplexity, ProviderFireworks, ProviderCerebras,
		ProviderOllama, ProviderLMStudio:
		return true
	}
	return false
}

// FamilyOf returns the wire protocol family the provider belongs to.
// Providers without a bespoke family route to FamilyCompat.
func FamilyOf(p Provider) Family {
	switch p {
	case ProviderOpenAI, ProviderAzure:
		return FamilyOpenAI
	case ProviderAnthropic:
		return FamilyAnthropic
	case ProviderGoogle:
		return FamilyGoogle
	case ProviderBedrock:
		return FamilyBedrock
	case ProviderGroq, ProviderXAI, ProviderMistral, ProviderDeepSeek,
		ProviderTogether, ProviderOpenRouter, ProviderPerplexity,
		ProviderFireworks, ProviderCerebras, ProviderOllama, ProviderLMStudio:
		return FamilyCompat
	default:
		return FamilyCompat
	}
}

// New builds the model.Client for the configured provider. The switch over
// families is exhaustive: adding a family without handling it here is a
// compile-visible hole, not a silent misroute. The context bounds client
// construction only (the Gemini SDK resolves credentials during setup); it
// does not scope subsequent requests.
func New(ctx context.Context, cfg Config) (model.Client, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("providers: provider is required")
	}
	switch family := FamilyOf(cfg.Provider); family {
	case FamilyOpenAI:
		return openai.New(openai.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Azure:        cfg.Provider == ProviderAzure,
		})
	case FamilyAnthropic:
		return anthropic.New(anthropic.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case FamilyGoogle:
		return google.New(ctx, google.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			HTTPClient:   cfg.HTTPClient,
		})
	case FamilyBedrock:
		if cfg.Bedrock == nil {
			return nil, fmt.Errorf("providers: provider %q requires a bedrock runtime client", cfg.Provider)
		}
		return bedrock.New(bedrock.Options{
			Runtime:      cfg.Bedrock,
			DefaultModel: cfg.Model,
		})
	case FamilyCompat:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[cfg.Provider]
		}
		if baseURL == "" {
			return nil, fmt.Errorf("providers: provider %q requires a base URL", cfg.Provider)
		}
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultCloudTimeout
			if localProviders[cfg.Provider] {
				timeout = defaultLocalTimeout
			}
		}
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		return compat.New(compat.Options{
			BaseURL:        baseURL,
			APIKey:         cfg.APIKey,
			DefaultModel:   cfg.Model,
			HTTPClient:     httpClient,
			RequestTimeout: timeout,
			Logger:         cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("providers: unhandled family %q", family)
	}
}
