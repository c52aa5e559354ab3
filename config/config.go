// Package config loads engine configuration from YAML. A file declares
// provider credentials, endpoints and model defaults; API keys left out of
// the file fall back to the vendor's conventional environment variable.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/providers"
)

type (
	// Config is the root of a parsed configuration file.
	Config struct {
		// DefaultProvider names the provider used when a caller does not
		// pick one explicitly.
		DefaultProvider string `yaml:"default_provider"`

		// Providers maps provider names to their settings.
		Providers map[string]ProviderConfig `yaml:"providers"`

		// MaxIterations caps agent run length when the agent does not set
		// its own bound.
		MaxIterations int `yaml:"max_iterations"`

		// ToolTimeout is the default per-invocation tool timeout.
		ToolTimeout time.Duration `yaml:"tool_timeout"`
	}

	// ProviderConfig parameterizes one provider entry.
	ProviderConfig struct {
		// APIKey authenticates against the vendor. Empty falls back to
		// APIKeyEnv, then to the vendor's conventional variable.
		APIKey string `yaml:"api_key"`

		// APIKeyEnv names an environment variable holding the key.
		APIKeyEnv string `yaml:"api_key_env"`

		// BaseURL overrides the provider's default endpoint.
		BaseURL string `yaml:"base_url"`

		// Model is the default model identifier.
		Model string `yaml:"model"`

		// RequestTimeout bounds one HTTP request. Zero keeps the provider
		// default.
		RequestTimeout time.Duration `yaml:"request_timeout"`
	}
)

// apiKeyEnvVars maps providers to the environment variable their vendor
// tooling conventionally reads. Bedrock authenticates through the AWS
// credential chain and local endpoints need no key, so neither appears.
var apiKeyEnvVars = map[providers.Provider][]string{
	providers.ProviderOpenAI:     {"OPENAI_API_KEY"},
	providers.ProviderAzure:      {"AZURE_OPENAI_API_KEY"},
	providers.ProviderAnthropic:  {"ANTHROPIC_API_KEY"},
	providers.ProviderGoogle:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	providers.ProviderGroq:       {"GROQ_API_KEY"},
	providers.ProviderXAI:        {"XAI_API_KEY"},
	providers.ProviderMistral:    {"MISTRAL_API_KEY"},
	providers.ProviderDeepSeek:   {"DEEPSEEK_API_KEY"},
	providers.ProviderTogether:   {"TOGETHER_API_KEY"},
	providers.ProviderOpenRouter: {"OPENROUTER_API_KEY"},
	providers.ProviderPerplexity: {"PERPLEXITY_API_KEY"},
	providers.ProviderFireworks:  {"FIREWORKS_API_KEY"},
	providers.ProviderCerebras:   {"CEREBRAS_API_KEY"},
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration from a reader.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, pc := range c.Providers {
		// Names outside the known set route through the OpenAI-compatible
		// adapter, which has no default endpoint to fall back on.
		if !providers.Known(providers.Provider(name)) && pc.BaseURL == "" {
			return fmt.Errorf("provider %q requires base_url", name)
		}
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q has no providers entry", c.DefaultProvider)
		}
	}
	return nil
}

// ProviderConfig resolves the settings for one provider, applying
// environment fallback for the API key. An empty name selects the default
// provider.
func (c *Config) ProviderConfig(name string) (providers.Config, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	if name == "" {
		return providers.Config{}, fmt.Errorf("config: no provider selected and no default_provider set")
	}
	pc, ok := c.Providers[name]
	if !ok {
		return providers.Config{}, fmt.Errorf("config: provider %q not configured", name)
	}
	p := providers.Provider(name)
	return providers.Config{
		Provider:       p,
		APIKey:         pc.resolveKey(p),
		BaseURL:        pc.BaseURL,
		Model:          pc.Model,
		RequestTimeout: pc.RequestTimeout,
	}, nil
}

func (pc ProviderConfig) resolveKey(p providers.Provider) string {
	if pc.APIKey != "" {
		return pc.APIKey
	}
	if pc.APIKeyEnv != "" {
		return os.Getenv(pc.APIKeyEnv)
	}
	for _, name := range apiKeyEnvVars[p] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
