package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/providers"
)

const sample = `
default_provider: anthropic
max_iterations: 20
tool_timeout: 30s
providers:
  anthropic:
    api_key: sk-ant-test
    model: claude-sonnet-4-20250514
  openai:
    model: gpt-4o
    request_timeout: 90s
  ollama:
    base_url: http://localhost:11434/v1
    model: llama3
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.DefaultProvider)
	assert.Equal(t, 20, cfg.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
	assert.Len(t, cfg.Providers, 3)
	assert.Equal(t, 90*time.Second, cfg.Providers["openai"].RequestTimeout)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("default_provider: openai\nmisspelled_field: 1\n"))
	require.Error(t, err)
}

func TestParseRejectsMissingDefaultEntry(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("default_provider: openai\nproviders:\n  anthropic:\n    model: m\n"))
	require.ErrorContains(t, err, "default_provider")
}

func TestParseCustomProviderRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("providers:\n  my-gateway:\n    model: m\n"))
	require.ErrorContains(t, err, "base_url")

	cfg, err := Parse(strings.NewReader("providers:\n  my-gateway:\n    model: m\n    base_url: https://llm.internal/v1\n"))
	require.NoError(t, err)
	pc, err := cfg.ProviderConfig("my-gateway")
	require.NoError(t, err)
	assert.Equal(t, providers.FamilyCompat, providers.FamilyOf(pc.Provider))
}

func TestProviderConfigDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	pc, err := cfg.ProviderConfig("")
	require.NoError(t, err)
	assert.Equal(t, providers.ProviderAnthropic, pc.Provider)
	assert.Equal(t, "sk-ant-test", pc.APIKey)
	assert.Equal(t, "claude-sonnet-4-20250514", pc.Model)
}

func TestProviderConfigUnknownName(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	_, err = cfg.ProviderConfig("mistral")
	require.Error(t, err)
}

func TestProviderConfigEnvFallback(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	pc, err := cfg.ProviderConfig("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", pc.APIKey)
}

func TestProviderConfigExplicitEnvVar(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
providers:
  openai:
    api_key_env: MY_CUSTOM_KEY
    model: gpt-4o
`))
	require.NoError(t, err)

	t.Setenv("MY_CUSTOM_KEY", "sk-custom")
	t.Setenv("OPENAI_API_KEY", "sk-conventional")
	pc, err := cfg.ProviderConfig("openai")
	require.NoError(t, err)
	// An explicit api_key_env takes precedence over the conventional name.
	assert.Equal(t, "sk-custom", pc.APIKey)
}

func TestProviderConfigFileKeyWins(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	pc, err := cfg.ProviderConfig("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", pc.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/parley.yaml")
	require.Error(t, err)
}
