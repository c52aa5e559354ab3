package outputs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/providers"
)

var personSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "integer"},
	},
	"required": []any{"name"},
}

func TestParseAndValidate(t *testing.T) {
	t.Parallel()

	spec := &Spec{Name: "person", Schema: personSchema}
	value, err := ParseAndValidate(`{"name":"Ada","age":36}`, spec)
	require.NoError(t, err)

	obj, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada", obj["name"])
}

func TestParseAndValidateFencedOutput(t *testing.T) {
	t.Parallel()

	spec := &Spec{Schema: personSchema}
	for _, raw := range []string{
		"```json\n{\"name\":\"Ada\"}\n```",
		"```\n{\"name\":\"Ada\"}\n```",
		"  {\"name\":\"Ada\"}  ",
	} {
		value, err := ParseAndValidate(raw, spec)
		require.NoError(t, err, "raw: %q", raw)
		assert.Equal(t, "Ada", value.(map[string]any)["name"])
	}
}

func TestParseAndValidateSchemaViolation(t *testing.T) {
	t.Parallel()

	spec := &Spec{Schema: personSchema}
	_, err := ParseAndValidate(`{"age":36}`, spec)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, `{"age":36}`, ve.Raw)
}

func TestParseAndValidateMalformedJSON(t *testing.T) {
	t.Parallel()

	spec := &Spec{Schema: personSchema}
	_, err := ParseAndValidate(`not json`, spec)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseAndValidateEmptyOutput(t *testing.T) {
	t.Parallel()

	_, err := ParseAndValidate("   ", &Spec{Schema: personSchema})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseAndValidateRawSchemaString(t *testing.T) {
	t.Parallel()

	spec := &Spec{Schema: `{"type":"object","required":["id"]}`}
	_, err := ParseAndValidate(`{"id":1}`, spec)
	require.NoError(t, err)
	_, err = ParseAndValidate(`{}`, spec)
	require.Error(t, err)
}

func TestProviderSettingsOpenAIFamily(t *testing.T) {
	t.Parallel()

	spec := &Spec{Name: "person", Schema: personSchema, Strict: true}
	for _, p := range []providers.Provider{providers.ProviderOpenAI, providers.ProviderGroq, providers.ProviderOllama} {
		settings := ProviderSettings(spec, p)
		require.NotNil(t, settings, "provider %s", p)

		rf, ok := settings["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_schema", rf["type"])
		js := rf["json_schema"].(map[string]any)
		assert.Equal(t, "person", js["name"])
		assert.Equal(t, true, js["strict"])
		assert.Equal(t, personSchema, js["schema"])
	}
}

func TestProviderSettingsGoogle(t *testing.T) {
	t.Parallel()

	settings := ProviderSettings(&Spec{Schema: personSchema}, providers.ProviderGoogle)
	require.NotNil(t, settings)
	assert.Equal(t, personSchema, settings["response_json_schema"])
}

func TestProviderSettingsAnthropicHasNone(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ProviderSettings(&Spec{Schema: personSchema}, providers.ProviderAnthropic))
	assert.Nil(t, ProviderSettings(&Spec{Schema: personSchema}, providers.ProviderBedrock))
}

func TestProviderSettingsNilSpec(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ProviderSettings(nil, providers.ProviderOpenAI))
	assert.Nil(t, ProviderSettings(&Spec{}, providers.ProviderOpenAI))
}

func TestProviderSettingsDefaultName(t *testing.T) {
	t.Parallel()

	settings := ProviderSettings(&Spec{Schema: personSchema}, providers.ProviderOpenAI)
	js := settings["response_format"].(map[string]any)["json_schema"].(map[string]any)
	assert.Equal(t, "output", js["name"])
}
