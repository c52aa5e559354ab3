// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai. It also serves Azure
// OpenAI deployments, which speak the same protocol behind a different
// authentication scheme.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/model"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. Satisfied by *openai.Client; tests pass a stub.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// APIKey authenticates against the endpoint. Ignored when Client is
		// set.
		APIKey string
		// BaseURL overrides the default endpoint (required for Azure).
		BaseURL string
		// DefaultModel is used when a request does not specify a model.
		DefaultModel string
		// Azure selects Azure-style authentication and routing.
		Azure bool
		// Client overrides the constructed go-openai client.
		Client ChatClient
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
	}
)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	chat := opts.Client
	if chat == nil {
		switch {
		case opts.APIKey == "":
			return nil, errors.New("openai: api key is required")
		case opts.Azure:
			if opts.BaseURL == "" {
				return nil, errors.New("openai: azure requires a base url")
			}
			chat = openai.NewClientWithConfig(openai.DefaultAzureConfig(opts.APIKey, opts.BaseURL))
		case opts.BaseURL != "":
			cfg := openai.DefaultConfig(opts.APIKey)
			cfg.BaseURL = opts.BaseURL
			chat = openai.NewClientWithConfig(cfg)
		default:
			chat = openai.NewClient(opts.APIKey)
		}
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel}, nil
}

// Complete sends one blocking chat completion request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	body, err := c.encodeRequest(req, false)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, body)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

// Stream sends a streaming chat completion request and normalizes the deltas.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	body, err := c.encodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	stream, err := c.chat.CreateChatCompletionStream(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) encodeRequest(req model.Request, stream bool) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return openai.ChatCompletionRequest{}, errors.New("openai: model identifier is required")
	}

	msgs, err := EncodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	body := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		body.MaxCompletionTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		body.Tools = encodeTools(req.Tools)
	}
	if stream {
		body.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if rf := responseFormat(req.Settings); rf != nil {
		body.ResponseFormat = rf
	}
	return body, nil
}

// EncodeMessages converts canonical messages into the OpenAI wire shape:
// a flat role/content array with assistant tool calls echoed as tool_calls
// entries and tool results as tool-role messages bound by tool_call_id.
func EncodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		cm := openai.ChatCompletionMessage{Role: string(m.Role)}
		switch m.Role {
		case model.RoleTool:
			cm.ToolCallID = m.ToolCallID
			cm.Content = m.Text()
		case model.RoleAssistant:
			cm.Content = m.Text()
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool call %q arguments: %w", tc.Name, err)
				}
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		default:
			if parts := multiContent(m); parts != nil {
				cm.MultiContent = parts
			} else {
				cm.Content = m.Text()
			}
		}
		out = append(out, cm)
	}
	return out, nil
}

// multiContent renders image-bearing messages as typed content parts. Returns
// nil for text-only messages, which use the plain Content field.
func multiContent(m *model.Message) []openai.ChatMessagePart {
	hasMedia := false
	for _, p := range m.Parts {
		if p.Kind == model.PartImage || p.Kind == model.PartFile {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		return nil
	}
	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case model.PartText:
			if p.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		case model.PartImage, model.PartFile:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.URL},
			})
		}
		// Thinking parts are provider-specific and not re-encoded here.
	}
	return parts
}

func encodeTools(defs []*model.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return out
}

// responseFormat extracts a structured-output fragment from the request
// settings. The fragment follows the OpenAI response_format shape; unknown
// settings keys are ignored.
func responseFormat(settings map[string]any) *openai.ChatCompletionResponseFormat {
	raw, ok := settings["response_format"]
	if !ok {
		return nil
	}
	fragment, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	typ, _ := fragment["type"].(string)
	switch typ {
	case "json_object":
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	case "json_schema":
		spec, _ := fragment["json_schema"].(map[string]any)
		name, _ := spec["name"].(string)
		strict, _ := spec["strict"].(bool)
		schema, err := json.Marshal(spec["schema"])
		if err != nil {
			return nil
		}
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(schema),
				Strict: strict,
			},
		}
	default:
		return nil
	}
}

// TranslateFinishReason normalizes an OpenAI-family finish reason.
func TranslateFinishReason(reason string) string {
	switch reason {
	case "stop":
		return model.StopReasonStop
	case "length":
		return model.StopReasonMaxTokens
	case "tool_calls", "function_call":
		return model.StopReasonToolCalls
	default:
		return reason
	}
}

func translateResponse(resp openai.ChatCompletionResponse) (model.Response, error) {
	if len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openai: response contains no choices")
	}
	choice := resp.Choices[0]
	msg := &model.Message{
		Role:    model.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: ParseToolArguments(tc.Function.Arguments),
		})
	}
	return model.Response{
		Message: msg,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		StopReason: TranslateFinishReason(string(choice.FinishReason)),
	}, nil
}

// ParseToolArguments decodes the vendor's JSON argument string. Arguments
// that fail to decode are surfaced as the raw string so the runner can still
// report the call.
func ParseToolArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
