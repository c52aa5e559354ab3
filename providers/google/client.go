// Package google provides a model.Client backed by the Gemini API via
// google.golang.org/genai. Canonical messages map onto genai contents with
// system messages folded into the SystemInstruction and tool results carried
// as function_response parts.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/parley-ai/parley/model"
)

type (
	// Options configures the Gemini adapter.
	Options struct {
		// APIKey authenticates against the Gemini Developer API. Ignored
		// when Client is set.
		APIKey string
		// BaseURL overrides the default endpoint.
		BaseURL string
		// DefaultModel is used when a request does not specify a model.
		DefaultModel string
		// HTTPClient overrides the transport used by the genai client.
		HTTPClient *http.Client
		// Client overrides the constructed genai client.
		Client *genai.Client
	}

	// Client implements model.Client on top of Gemini GenerateContent.
	Client struct {
		gc           *genai.Client
		defaultModel string
	}
)

// New builds a Gemini-backed model client.
func New(ctx context.Context, opts Options) (*Client, error) {
	gc := opts.Client
	if gc == nil {
		if opts.APIKey == "" {
			return nil, errors.New("google: api key is required")
		}
		cfg := &genai.ClientConfig{
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}
		if opts.BaseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
		}
		var err error
		gc, err = genai.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("google: new client: %w", err)
		}
	}
	return &Client{gc: gc, defaultModel: opts.DefaultModel}, nil
}

// Complete issues one blocking GenerateContent call.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	modelID, contents, cfg, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	res, err := c.gc.Models.GenerateContent(ctx, modelID, contents, cfg)
	if err != nil {
		return model.Response{}, fmt.Errorf("google generate content: %w", err)
	}
	return translateResponse(res)
}

// Stream issues a GenerateContentStream call and normalizes the iterator into
// chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	modelID, contents, cfg, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	return newStreamer(ctx, c.gc.Models.GenerateContentStream(ctx, modelID, contents, cfg)), nil
}

func (c *Client) prepareRequest(req model.Request) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	if len(req.Messages) == 0 {
		return "", nil, nil, errors.New("google: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return "", nil, nil, errors.New("google: model identifier is required")
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = encodeTools(req.Tools)
	}
	if schema, ok := req.Settings["response_json_schema"]; ok {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = schema
	}

	contents, system, err := encodeMessages(req.Messages)
	if err != nil {
		return "", nil, nil, err
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return modelID, contents, cfg, nil
}

// encodeMessages converts canonical messages into genai contents. System
// messages are concatenated into a single system instruction, tool results
// become function_response parts on user-role contents, and assistant tool
// calls become function_call parts on model-role contents.
func encodeMessages(msgs []*model.Message) ([]*genai.Content, string, error) {
	contents := make([]*genai.Content, 0, len(msgs))
	system := ""
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, "", err
		}
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); text != "" {
				if system != "" {
					system += "\n"
				}
				system += text
			}
		case model.RoleUser:
			parts := textParts(m)
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		case model.RoleAssistant:
			parts := textParts(m)
			for _, tc := range m.ToolCalls {
				args, err := argsMap(tc.Args)
				if err != nil {
					return nil, "", fmt.Errorf("google: tool call %q arguments: %w", tc.Name, err)
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case model.RoleTool:
			name := m.ToolCallID
			if m.Meta != nil {
				if n, ok := m.Meta["tool_name"].(string); ok && n != "" {
					name = n
				}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     name,
						Response: map[string]any{"output": m.Text()},
					},
				}},
			})
		default:
			return nil, "", fmt.Errorf("google: unsupported message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, "", errors.New("google: at least one user/assistant message is required")
	}
	return contents, system, nil
}

func textParts(m *model.Message) []*genai.Part {
	var parts []*genai.Part
	if m.Content != "" {
		parts = append(parts, &genai.Part{Text: m.Content})
	}
	for _, p := range m.Parts {
		if p.Kind == model.PartText && p.Text != "" {
			parts = append(parts, &genai.Part{Text: p.Text})
		}
	}
	return parts
}

// argsMap coerces tool call arguments into the map shape the function_call
// part requires.
func argsMap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func encodeTools(defs []*model.ToolDefinition) []*genai.Tool {
	out := make([]*genai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		out = append(out, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:                 def.Name,
				Description:          def.Description,
				ParametersJsonSchema: def.InputSchema,
			}},
		})
	}
	return out
}

func translateResponse(res *genai.GenerateContentResponse) (model.Response, error) {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return model.Response{}, errors.New("google: response contains no candidates")
	}
	cand := res.Candidates[0]
	msg := &model.Message{Role: model.RoleAssistant}
	for _, p := range cand.Content.Parts {
		if p == nil {
			continue
		}
		if p.Text != "" {
			kind := model.PartText
			if p.Thought {
				kind = model.PartThinking
			}
			msg.Parts = append(msg.Parts, model.Part{Kind: kind, Text: p.Text})
		}
		if p.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, translateFunctionCall(p.FunctionCall, len(msg.ToolCalls)))
		}
	}
	return model.Response{
		Message:    msg,
		Usage:      translateUsage(res.UsageMetadata),
		StopReason: stopReason(cand.FinishReason, len(msg.ToolCalls) > 0),
	}, nil
}

// translateFunctionCall normalizes a function call, synthesizing an ID when
// the API omits one.
func translateFunctionCall(fc *genai.FunctionCall, ordinal int) model.ToolCall {
	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", fc.Name, ordinal)
	}
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	return model.ToolCall{ID: id, Name: fc.Name, Args: args}
}

func translateUsage(u *genai.GenerateContentResponseUsageMetadata) model.TokenUsage {
	if u == nil {
		return model.TokenUsage{}
	}
	return model.TokenUsage{
		InputTokens:  int(u.PromptTokenCount),
		OutputTokens: int(u.CandidatesTokenCount),
		TotalTokens:  int(u.TotalTokenCount),
	}
}

func stopReason(reason genai.FinishReason, hasToolCalls bool) string {
	if hasToolCalls {
		return model.StopReasonToolCalls
	}
	switch reason {
	case genai.FinishReasonStop:
		return model.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return model.StopReasonMaxTokens
	default:
		return string(reason)
	}
}
