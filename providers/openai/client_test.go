package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/model"
)

type stubChat struct {
	req      openai.ChatCompletionRequest
	resp     openai.ChatCompletionResponse
	err      error
	streamed bool
}

func (s *stubChat) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.req = request
	return s.resp, s.err
}

func (s *stubChat) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	s.req = request
	s.streamed = true
	return nil, s.err
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{APIKey: "sk-test"})
	require.NoError(t, err)

	// Azure needs an endpoint.
	_, err = New(Options{APIKey: "sk-test", Azure: true})
	require.Error(t, err)
}

func TestCompleteEncodesRequest(t *testing.T) {
	t.Parallel()

	stub := &stubChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hi"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
	}}
	client, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "hello"},
		},
		Temperature: 0.4,
		MaxTokens:   256,
		Tools: []*model.ToolDefinition{{
			Name:        "get_time",
			Description: "current time",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", stub.req.Model)
	assert.Equal(t, float32(0.4), stub.req.Temperature)
	assert.Equal(t, 256, stub.req.MaxCompletionTokens)
	assert.False(t, stub.req.Stream)
	assert.Nil(t, stub.req.StreamOptions)
	require.Len(t, stub.req.Messages, 2)
	assert.Equal(t, "system", stub.req.Messages[0].Role)
	require.Len(t, stub.req.Tools, 1)
	assert.Equal(t, "get_time", stub.req.Tools[0].Function.Name)

	assert.Equal(t, "hi", resp.Message.Content)
	assert.Equal(t, model.StopReasonStop, resp.StopReason)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestCompleteRequestModelOverridesDefault(t *testing.T) {
	t.Parallel()

	stub := &stubChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "x"}}},
	}}
	client, err := New(Options{Client: stub, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Model:    "gpt-4.1",
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", stub.req.Model)
}

func TestCompleteRequiresModelAndMessages(t *testing.T) {
	t.Parallel()

	client, err := New(Options{Client: &stubChat{}})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{Model: "gpt-4o"})
	require.Error(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
}

func TestEncodeMessagesToolExchange(t *testing.T) {
	t.Parallel()

	msgs, err := EncodeMessages([]*model.Message{
		{Role: model.RoleUser, Content: "weather?"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{
			ID:   "call_1",
			Name: "get_weather",
			Args: map[string]any{"city": "Oslo"},
		}}},
		{Role: model.RoleTool, ToolCallID: "call_1", Content: `{"temp":21}`},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assistant := msgs[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, assistant.ToolCalls[0].Function.Arguments)

	result := msgs[2]
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, `{"temp":21}`, result.Content)
}

func TestEncodeMessagesImageParts(t *testing.T) {
	t.Parallel()

	msgs, err := EncodeMessages([]*model.Message{{
		Role: model.RoleUser,
		Parts: []model.Part{
			{Kind: model.PartText, Text: "what is this?"},
			{Kind: model.PartImage, URL: "https://example.com/cat.png"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msgs[0].MultiContent[0].Type)
	assert.Equal(t, "https://example.com/cat.png", msgs[0].MultiContent[1].ImageURL.URL)
}

func TestTranslateResponseToolCalls(t *testing.T) {
	t.Parallel()

	resp, err := translateResponse(openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:   "call_9",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "search",
						Arguments: `{"q":"go"}`,
					},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_9", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"q": "go"}, resp.Message.ToolCalls[0].Args)
	assert.Equal(t, model.StopReasonToolCalls, resp.StopReason)
}

func TestTranslateResponseNoChoices(t *testing.T) {
	t.Parallel()

	_, err := translateResponse(openai.ChatCompletionResponse{})
	require.Error(t, err)
}

func TestTranslateFinishReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.StopReasonStop, TranslateFinishReason("stop"))
	assert.Equal(t, model.StopReasonMaxTokens, TranslateFinishReason("length"))
	assert.Equal(t, model.StopReasonToolCalls, TranslateFinishReason("tool_calls"))
	assert.Equal(t, model.StopReasonToolCalls, TranslateFinishReason("function_call"))
	// Vendor-specific reasons pass through untranslated.
	assert.Equal(t, "content_filter", TranslateFinishReason("content_filter"))
}

func TestParseToolArguments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]any{}, ParseToolArguments(""))
	assert.Equal(t, map[string]any{"a": float64(1)}, ParseToolArguments(`{"a":1}`))
	// Undecodable arguments surface as the raw string.
	assert.Equal(t, "{broken", ParseToolArguments("{broken"))
}

func TestResponseFormatJSONSchema(t *testing.T) {
	t.Parallel()

	rf := responseFormat(map[string]any{
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "person",
				"strict": true,
				"schema": map[string]any{"type": "object"},
			},
		},
	})
	require.NotNil(t, rf)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, rf.Type)
	require.NotNil(t, rf.JSONSchema)
	assert.Equal(t, "person", rf.JSONSchema.Name)
	assert.True(t, rf.JSONSchema.Strict)

	assert.Nil(t, responseFormat(nil))
	assert.Nil(t, responseFormat(map[string]any{"response_format": "json"}))
}

func TestStreamSetsStreamOptions(t *testing.T) {
	t.Parallel()

	stub := &stubChat{}
	client, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.True(t, stub.streamed)
	assert.True(t, stub.req.Stream)
	require.NotNil(t, stub.req.StreamOptions)
	assert.True(t, stub.req.StreamOptions.IncludeUsage)
}
