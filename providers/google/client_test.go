package google

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/genai"

	"github.com/parley-ai/parley/model"
)

func TestEncodeMessagesSystemInstruction(t *testing.T) {
	t.Parallel()

	contents, system, err := encodeMessages([]*model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleSystem, Content: "cite sources"},
		{Role: model.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "be helpful\ncite sources", system)
	require.Len(t, contents, 1)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
}

func TestEncodeMessagesToolExchange(t *testing.T) {
	t.Parallel()

	contents, _, err := encodeMessages([]*model.Message{
		{Role: model.RoleUser, Content: "weather?"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{
			ID:   "fc-1",
			Name: "get_weather",
			Args: map[string]any{"city": "Oslo"},
		}}},
		{
			Role:       model.RoleTool,
			ToolCallID: "fc-1",
			Content:    `{"temp":21}`,
			Meta:       map[string]any{"tool_name": "get_weather"},
		},
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)

	assert.Equal(t, genai.RoleModel, contents[1].Role)
	fc := contents[1].Parts[0].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "get_weather", fc.Name)
	assert.Equal(t, map[string]any{"city": "Oslo"}, fc.Args)

	assert.Equal(t, genai.RoleUser, contents[2].Role)
	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "fc-1", fr.ID)
	// The function name rides on message metadata; the genai API requires it.
	assert.Equal(t, "get_weather", fr.Name)
	assert.Equal(t, map[string]any{"output": `{"temp":21}`}, fr.Response)
}

func TestEncodeMessagesRequiresConversation(t *testing.T) {
	t.Parallel()

	_, _, err := encodeMessages([]*model.Message{
		{Role: model.RoleSystem, Content: "alone"},
	})
	require.Error(t, err)
}

func TestArgsMap(t *testing.T) {
	t.Parallel()

	m, err := argsMap(nil)
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = argsMap(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, m)

	// Structs round-trip through JSON into a map.
	m, err = argsMap(struct {
		Q string `json:"q"`
	}{Q: "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"q": "go"}, m)

	_, err = argsMap("just a string")
	require.Error(t, err)
}

func TestEncodeTools(t *testing.T) {
	t.Parallel()

	out := encodeTools([]*model.ToolDefinition{
		{Name: "search", Description: "find things", InputSchema: map[string]any{"type": "object"}},
		nil,
		{Name: ""},
	})
	require.Len(t, out, 1)
	require.Len(t, out[0].FunctionDeclarations, 1)
	assert.Equal(t, "search", out[0].FunctionDeclarations[0].Name)
	assert.Equal(t, map[string]any{"type": "object"}, out[0].FunctionDeclarations[0].ParametersJsonSchema)
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()

	resp, err := translateResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					{Text: "Checking the weather."},
					{FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "Oslo"}}},
				},
			},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     20,
			CandidatesTokenCount: 10,
			TotalTokenCount:      30,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Checking the weather.", resp.Message.Text())
	require.Len(t, resp.Message.ToolCalls, 1)
	// Gemini omits call IDs; one is synthesized from the name and ordinal.
	assert.Equal(t, "get_weather-0", resp.Message.ToolCalls[0].ID)
	// A response with function calls normalizes to tool_calls regardless of
	// the reported finish reason.
	assert.Equal(t, model.StopReasonToolCalls, resp.StopReason)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
}

func TestTranslateResponseThoughtParts(t *testing.T) {
	t.Parallel()

	resp, err := translateResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					{Text: "Comparing the two totals first.", Thought: true},
					{Text: "The second total is larger."},
				},
			},
			FinishReason: genai.FinishReasonStop,
		}},
	})
	require.NoError(t, err)

	// Thought parts stay out of the answer text and surface as thinking.
	assert.Equal(t, "The second total is larger.", resp.Message.Text())
	assert.Equal(t, "Comparing the two totals first.", resp.Message.Thinking())
	require.Len(t, resp.Message.Parts, 2)
	assert.Equal(t, model.PartThinking, resp.Message.Parts[0].Kind)
	assert.Equal(t, model.PartText, resp.Message.Parts[1].Kind)
}

func TestTranslateResponseNoCandidates(t *testing.T) {
	t.Parallel()

	_, err := translateResponse(&genai.GenerateContentResponse{})
	require.Error(t, err)
	_, err = translateResponse(nil)
	require.Error(t, err)
}

func TestStopReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.StopReasonStop, stopReason(genai.FinishReasonStop, false))
	assert.Equal(t, model.StopReasonMaxTokens, stopReason(genai.FinishReasonMaxTokens, false))
	assert.Equal(t, model.StopReasonToolCalls, stopReason(genai.FinishReasonStop, true))
	assert.Equal(t, string(genai.FinishReasonSafety), stopReason(genai.FinishReasonSafety, false))
}
