// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API via github.com/anthropics/anthropic-sdk-go. It translates
// canonical requests into Messages calls and maps content blocks (text,
// tool_use, thinking) back into the generic structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parley-ai/parley/model"
)

// defaultMaxTokens caps completions when a request does not specify a limit.
// The Messages API requires max_tokens on every request.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. Satisfied by *sdk.MessageService; tests pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// APIKey authenticates against the Anthropic API. Ignored when
		// Messages is set.
		APIKey string
		// BaseURL overrides the default endpoint.
		BaseURL string
		// DefaultModel is used when a request does not specify a model.
		DefaultModel string
		// MaxTokens sets the completion cap for requests that do not specify
		// one. Zero selects defaultMaxTokens.
		MaxTokens int
		// Messages overrides the constructed SDK client.
		Messages MessagesClient
	}

	// Client implements model.Client on top of Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
	}
)

// New builds an Anthropic-backed model client.
func New(opts Options) (*Client, error) {
	msg := opts.Messages
	if msg == nil {
		if opts.APIKey == "" {
			return nil, errors.New("anthropic: api key is required")
		}
		ropts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
		if opts.BaseURL != "" {
			ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
		}
		ac := sdk.NewClient(ropts...)
		msg = &ac.Messages
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts the event stream into
// normalized chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return &params, nil
}

// encodeMessages converts canonical messages into the Messages API shape.
// System messages become top-level system blocks, tool results become
// tool_result blocks on user messages, and assistant tool calls become
// tool_use blocks.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, nil, err
		}
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
		case model.RoleUser:
			blocks := textBlocks(m)
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			blocks := textBlocks(m)
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			content, isError := toolResultContent(m)
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, content, isError),
			))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func textBlocks(m *model.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, p := range m.Parts {
		if p.Kind == model.PartText && p.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(p.Text))
		}
		// Image, file and thinking parts are not re-encoded here.
	}
	return blocks
}

// toolResultContent renders a tool-role message body as a string. The message
// Meta carries the error flag when the tool faulted.
func toolResultContent(m *model.Message) (string, bool) {
	isError := false
	if m.Meta != nil {
		if v, ok := m.Meta["is_error"].(bool); ok {
			isError = v
		}
	}
	return m.Text(), isError
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// TranslateStopReason normalizes an Anthropic stop reason.
func TranslateStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return model.StopReasonStop
	case "max_tokens":
		return model.StopReasonMaxTokens
	case "tool_use":
		return model.StopReasonToolCalls
	default:
		return reason
	}
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	out := &model.Message{Role: model.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out.Parts = append(out.Parts, model.Part{Kind: model.PartText, Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				out.Parts = append(out.Parts, model.Part{Kind: model.PartThinking, Text: block.Thinking})
			}
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: decodeToolArgs(block.Input),
			})
		}
	}
	return model.Response{
		Message: out,
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: TranslateStopReason(string(msg.StopReason)),
	}, nil
}

func decodeToolArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
