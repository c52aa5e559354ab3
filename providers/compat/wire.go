package compat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/parley-ai/parley/model"
)

// Wire types for the OpenAI-compatible chat completions protocol. Providers
// in this family differ in endpoint and authentication but share the request
// and response body shapes.
type (
	chatRequest struct {
		Model          string             `json:"model"`
		Messages       []chatMessage      `json:"messages"`
		Tools          []chatTool         `json:"tools,omitempty"`
		Temperature    float32            `json:"temperature,omitempty"`
		MaxTokens      int                `json:"max_tokens,omitempty"`
		Stream         bool               `json:"stream,omitempty"`
		StreamOptions  *chatStreamOptions `json:"stream_options,omitempty"`
		ResponseFormat any                `json:"response_format,omitempty"`
	}

	chatStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	chatMessage struct {
		Role       string         `json:"role"`
		Content    any            `json:"content,omitempty"`
		ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	chatContentPart struct {
		Type     string        `json:"type"`
		Text     string        `json:"text,omitempty"`
		ImageURL *chatImageURL `json:"image_url,omitempty"`
	}

	chatImageURL struct {
		URL string `json:"url"`
	}

	chatToolCall struct {
		Index    *int             `json:"index,omitempty"`
		ID       string           `json:"id,omitempty"`
		Type     string           `json:"type,omitempty"`
		Function chatFunctionCall `json:"function"`
	}

	chatFunctionCall struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	chatTool struct {
		Type     string       `json:"type"`
		Function chatFunction `json:"function"`
	}

	chatFunction struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	}

	// chatInMessage is the inbound message shape. Content is always a plain
	// string on responses.
	chatInMessage struct {
		Role             string         `json:"role"`
		Content          string         `json:"content"`
		ReasoningContent string         `json:"reasoning_content"`
		ToolCalls        []chatToolCall `json:"tool_calls"`
	}

	chatResponse struct {
		Choices []chatChoice `json:"choices"`
		Usage   *chatUsage   `json:"usage"`
		Error   *apiError    `json:"error"`
	}

	chatChoice struct {
		Index        int            `json:"index"`
		Message      *chatInMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	}

	// chatStreamFrame is one decoded SSE data payload. A frame normally
	// carries deltas; some providers return a complete message instead,
	// detected structurally by a non-nil Message on the choice.
	chatStreamFrame struct {
		Choices []chatStreamChoice `json:"choices"`
		Usage   *chatUsage         `json:"usage"`
		Error   *apiError          `json:"error"`
	}

	chatStreamChoice struct {
		Index        int            `json:"index"`
		Delta        *chatDelta     `json:"delta"`
		Message      *chatInMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	}

	chatDelta struct {
		Role             string         `json:"role"`
		Content          string         `json:"content"`
		ReasoningContent string         `json:"reasoning_content"`
		ToolCalls        []chatToolCall `json:"tool_calls"`
	}

	chatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	apiError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	}
)

// APIError reports a non-success HTTP response from the endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("compat: endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("compat: endpoint returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes model.ErrRateLimited for HTTP 429 responses so rate-limit
// middlewares can classify the failure.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return model.ErrRateLimited
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var wrapper struct {
		Error *apiError `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		msg = wrapper.Error.Message
	}
	if msg == "" && len(body) > 0 {
		const maxBody = 512
		if len(body) > maxBody {
			body = body[:maxBody]
		}
		msg = string(body)
	}
	return &APIError{StatusCode: status, Message: msg}
}
