package compat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/model"
)

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestCompleteRoundTrip(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}
		}`))
	}))
	defer srv.Close()

	client, err := New(Options{BaseURL: srv.URL, APIKey: "sk-local", DefaultModel: "llama3"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), model.Request{
		Messages:    []*model.Message{{Role: model.RoleUser, Content: "hello"}},
		Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-local", gotAuth)
	assert.Equal(t, "llama3", gotBody.Model)
	assert.False(t, gotBody.Stream)
	assert.Nil(t, gotBody.StreamOptions)

	assert.Equal(t, "hi there", resp.Message.Content)
	assert.Equal(t, model.StopReasonStop, resp.StopReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestCompleteAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit reached","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	client, err := New(Options{BaseURL: srv.URL, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "rate limit reached")
	// HTTP 429 unwraps to the rate-limit sentinel for the middleware.
	assert.ErrorIs(t, err, model.ErrRateLimited)
}

func TestAPIErrorUnwrapOnlyOn429(t *testing.T) {
	t.Parallel()

	err := &APIError{StatusCode: http.StatusBadRequest, Message: "bad request"}
	assert.False(t, errors.Is(err, model.ErrRateLimited))
}

func TestStreamRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"streamed\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	client, err := New(Options{BaseURL: srv.URL, DefaultModel: "m"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer s.Close()

	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "streamed", chunk.Text)
	chunk, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, model.ChunkTypeStop, chunk.Type)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestEncodeMessagesToolExchange(t *testing.T) {
	t.Parallel()

	msgs, err := encodeMessages([]*model.Message{
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
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.JSONEq(t, `{"city":"Oslo"}`, msgs[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
}

func TestEncodeContentImageParts(t *testing.T) {
	t.Parallel()

	content := encodeContent(&model.Message{
		Role: model.RoleUser,
		Parts: []model.Part{
			{Kind: model.PartText, Text: "what is this?"},
			{Kind: model.PartImage, URL: "https://example.com/cat.png"},
		},
	})
	parts, ok := content.([]chatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "https://example.com/cat.png", parts[1].ImageURL.URL)

	// Text-only messages stay plain strings.
	plain := encodeContent(&model.Message{Role: model.RoleUser, Content: "hello"})
	assert.Equal(t, "hello", plain)
}

func TestTranslateMessageReasoningContent(t *testing.T) {
	t.Parallel()

	msg := translateMessage(&chatInMessage{
		Content:          "answer",
		ReasoningContent: "thought process",
	})
	assert.Equal(t, "answer", msg.Content)
	assert.Equal(t, "thought process", msg.Thinking())
}
