// Package compat provides a model.Client for any endpoint speaking the
// OpenAI-compatible chat completions protocol. Hosted gateways (Groq, xAI,
// Mistral, Together, OpenRouter and friends) and local servers (Ollama,
// LM Studio) all route through this adapter; they differ only in base URL,
// credentials and timeout posture.
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/telemetry"
)

const completionsPath = "/chat/completions"

type (
	// Options configures a compat endpoint.
	Options struct {
		// BaseURL is the API root, up to and excluding /chat/completions.
		// Required.
		BaseURL string
		// APIKey is sent as a bearer token when non-empty. Local endpoints
		// typically run without one.
		APIKey string
		// DefaultModel is used when a request does not specify a model.
		DefaultModel string
		// HTTPClient overrides the transport.
		HTTPClient *http.Client
		// RequestTimeout bounds blocking completion requests. Streaming
		// requests are bounded only by the caller's context so long
		// generations are not severed mid-stream.
		RequestTimeout time.Duration
		// Logger records dropped frames and transport retries.
		Logger telemetry.Logger
	}

	// Client implements model.Client over the OpenAI-compatible protocol.
	Client struct {
		baseURL      string
		apiKey       string
		defaultModel string
		hc           *http.Client
		timeout      time.Duration
		logger       telemetry.Logger
	}
)

// New builds a client for one OpenAI-compatible endpoint.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("compat: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		hc:           hc,
		timeout:      opts.RequestTimeout,
		logger:       logger,
	}, nil
}

// Complete sends one blocking chat completion request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := c.encodeRequest(req, false)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return model.Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Response{}, fmt.Errorf("compat: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Response{}, decodeAPIError(resp.StatusCode, data)
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return model.Response{}, fmt.Errorf("compat: decode response: %w", err)
	}
	if parsed.Error != nil {
		return model.Response{}, &APIError{StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	return translateResponse(parsed)
}

// Stream sends a streaming chat completion request. The response body is
// handed to a streamer that reassembles SSE frames and normalizes them.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	body, err := c.encodeRequest(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return newStreamer(ctx, resp.Body, c.logger), nil
}

func (c *Client) do(ctx context.Context, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("compat: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("compat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("compat: post %s: %w", completionsPath, err)
	}
	return resp, nil
}

func (c *Client) encodeRequest(req model.Request, stream bool) (*chatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("compat: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("compat: model identifier is required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	body := &chatRequest{
		Model:       modelID,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	for _, def := range req.Tools {
		if def == nil || def.Name == "" {
			continue
		}
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	if rf, ok := req.Settings["response_format"]; ok {
		body.ResponseFormat = rf
	}
	return body, nil
}

func encodeMessages(msgs []*model.Message) ([]chatMessage, error) {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		cm := chatMessage{Role: string(m.Role)}
		switch m.Role {
		case model.RoleTool:
			cm.ToolCallID = m.ToolCallID
			cm.Content = m.Text()
		case model.RoleAssistant:
			if text := m.Text(); text != "" {
				cm.Content = text
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("compat: marshal tool call %q arguments: %w", tc.Name, err)
				}
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		default:
			cm.Content = encodeContent(m)
		}
		out = append(out, cm)
	}
	return out, nil
}

// encodeContent renders a message body as a string, or as typed content
// parts when the message carries images.
func encodeContent(m *model.Message) any {
	hasMedia := false
	for _, p := range m.Parts {
		if p.Kind == model.PartImage || p.Kind == model.PartFile {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		return m.Text()
	}
	parts := make([]chatContentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case model.PartText:
			if p.Text != "" {
				parts = append(parts, chatContentPart{Type: "text", Text: p.Text})
			}
		case model.PartImage, model.PartFile:
			parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: p.URL}})
		}
	}
	return parts
}

// translateFinishReason normalizes a finish reason from the wire.
func translateFinishReason(reason string) string {
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

func translateResponse(parsed chatResponse) (model.Response, error) {
	if len(parsed.Choices) == 0 {
		return model.Response{}, errors.New("compat: response contains no choices")
	}
	choice := parsed.Choices[0]
	if choice.Message == nil {
		return model.Response{}, errors.New("compat: response choice is missing a message")
	}
	resp := model.Response{
		Message:    translateMessage(choice.Message),
		StopReason: translateFinishReason(choice.FinishReason),
	}
	if parsed.Usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func translateMessage(in *chatInMessage) *model.Message {
	msg := &model.Message{
		Role:    model.RoleAssistant,
		Content: in.Content,
	}
	if in.ReasoningContent != "" {
		msg.Parts = append(msg.Parts, model.Part{Kind: model.PartThinking, Text: in.ReasoningContent})
	}
	for _, tc := range in.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseToolArguments(tc.Function.Arguments),
		})
	}
	return msg
}

func parseToolArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
