// Package outputs implements structured output support: it renders a JSON
// schema into the settings fragment each provider family understands and
// validates raw model text against that schema at extraction time. The
// controller calls into this package only when a run declares an output
// spec; it stays agnostic to schema generation and validation mechanics.
package outputs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parley-ai/parley/providers"
)

type (
	// Spec declares the expected shape of a run's final answer.
	Spec struct {
		// Name labels the schema for providers that require a named format.
		Name string
		// Schema is a JSON schema document as a decoded map or raw JSON.
		Schema any
		// Strict requests provider-side strict schema adherence where
		// supported.
		Strict bool
	}

	// ValidationError reports output that failed schema validation.
	ValidationError struct {
		// Raw is the text the model produced.
		Raw string
		// Err is the underlying decode or validation failure.
		Err error
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("outputs: invalid structured output: %v", e.Err)
}

// Unwrap returns the underlying failure.
func (e *ValidationError) Unwrap() error { return e.Err }

// ProviderSettings renders the spec as a request settings fragment for the
// given provider family. Families without native structured output support
// return nil; callers fall back to prompt-level instructions.
func ProviderSettings(spec *Spec, provider providers.Provider) map[string]any {
	if spec == nil || spec.Schema == nil {
		return nil
	}
	schema := normalizeSchema(spec.Schema)
	switch providers.FamilyOf(provider) {
	case providers.FamilyOpenAI, providers.FamilyCompat:
		name := spec.Name
		if name == "" {
			name = "output"
		}
		return map[string]any{
			"response_format": map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   name,
					"schema": schema,
					"strict": spec.Strict,
				},
			},
		}
	case providers.FamilyGoogle:
		return map[string]any{"response_json_schema": schema}
	default:
		// Anthropic and Bedrock have no response-format setting; the schema
		// is enforced at parse time only.
		return nil
	}
}

// ParseAndValidate decodes raw model text as JSON and validates it against
// the spec's schema. The decoded value is returned on success; failures wrap
// the raw text in a ValidationError. Text surrounded by markdown code fences
// is unwrapped first, since several models emit fenced JSON even when asked
// not to.
func ParseAndValidate(raw string, spec *Spec) (any, error) {
	if spec == nil {
		return nil, errors.New("outputs: spec is required")
	}
	text := stripFences(raw)
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Raw: raw, Err: errors.New("empty output")}
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, &ValidationError{Raw: raw, Err: fmt.Errorf("decode json: %w", err)}
	}
	if spec.Schema != nil {
		sch, err := compile(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("outputs: compile schema: %w", err)
		}
		if err := sch.Validate(value); err != nil {
			return nil, &ValidationError{Raw: raw, Err: err}
		}
	}
	return value, nil
}

func compile(schema any) (*jsonschema.Schema, error) {
	doc, err := schemaDocument(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("output.json")
}

// schemaDocument coerces a schema value into the decoded form the compiler
// expects. Raw JSON round-trips through the jsonschema decoder so numbers
// keep their json.Number representation.
func schemaDocument(schema any) (any, error) {
	switch v := schema.(type) {
	case json.RawMessage:
		return jsonschema.UnmarshalJSON(bytes.NewReader(v))
	case string:
		return jsonschema.UnmarshalJSON(strings.NewReader(v))
	case []byte:
		return jsonschema.UnmarshalJSON(bytes.NewReader(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return jsonschema.UnmarshalJSON(bytes.NewReader(data))
	}
}

// normalizeSchema renders the schema as a plain decoded value for embedding
// in request settings.
func normalizeSchema(schema any) any {
	switch v := schema.(type) {
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			return decoded
		}
		return schema
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return decoded
		}
		return schema
	default:
		return schema
	}
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line.
		if lang := strings.TrimSpace(trimmed[:idx]); lang == "" || !strings.ContainsAny(lang, "{[") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
