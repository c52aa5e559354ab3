// Package model defines the provider-agnostic types exchanged between the
// runner and model providers. It abstracts over chat completion APIs (OpenAI,
// Anthropic, Google, Bedrock, and OpenAI-compatible endpoints) so the
// iteration loop can invoke models without coupling to specific SDKs.
// Provider adapters translate these normalized types into vendor-specific
// wire formats and back.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract the runner uses to invoke LLM calls. Adapters wrap
	// vendor SDKs or raw HTTP endpoints and translate Request/Response into the
	// vendor's shapes. Clients must be safe for concurrent use and reusable
	// across runs.
	Client interface {
		// Complete sends one blocking chat completion request and returns the
		// normalized response. Returns an error if the provider is unavailable,
		// the request is malformed, or quota is exceeded.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer yielding
		// incremental chunks (text deltas, thinking deltas, tool-call fragments).
		// The returned Streamer must be closed by the caller. Providers without
		// streaming support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls return
	// Chunk values until io.EOF. Implementations release underlying resources
	// when Close is invoked.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier (e.g. "gpt-4o",
		// "claude-sonnet-4-5"). Empty selects the adapter's configured default.
		Model string

		// Messages is the ordered conversation history, including the system
		// prompt, user inputs, prior assistant turns, and tool results.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model for function
		// calling. Nil or empty means the model cannot invoke tools; adapters
		// must omit the tools field entirely in that case.
		Tools []*ToolDefinition

		// Temperature controls sampling temperature. Zero means the provider
		// default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means the provider default.
		MaxTokens int

		// Settings carries provider-specific parameters that have no normalized
		// field (e.g. response_format fragments contributed by structured-output
		// specs). Adapters apply the keys they understand and ignore the rest.
		Settings map[string]any
	}

	// Response wraps the normalized result of a completion call.
	Response struct {
		// Message is the assistant message produced by the model, including any
		// tool calls it requested.
		Message *Message

		// Usage reports token consumption when the provider makes it available.
		Usage TokenUsage

		// StopReason explains why generation stopped. Values are normalized to
		// "stop", "max_tokens", "tool_calls", or the provider's raw value when
		// no normalization applies.
		StopReason string
	}

	// Message mirrors one conversation turn in the canonical representation.
	// Content holds plain text; Parts holds ordered typed content when the turn
	// is multi-modal or carries a thinking trace. At most one of the two is
	// populated by adapters; helpers such as Text treat them uniformly.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
		Role Role

		// Content is the plain-text payload when the message has a single text
		// part.
		Content string

		// Parts is the ordered typed content when the message is multi-modal.
		Parts []Part

		// ToolCalls lists pending tool invocations. Only assistant messages
		// carry tool calls.
		ToolCalls []ToolCall

		// ToolCallID references the assistant tool call this message answers.
		// Required iff Role == RoleTool.
		ToolCallID string

		// Meta carries free-form metadata (message IDs, provider annotations).
		// Preserved across conversions but never interpreted by the runner.
		Meta map[string]any
	}

	// Part is one element of a multi-modal message. Kind selects which field is
	// populated.
	Part struct {
		// Kind is one of PartText, PartImage, PartFile, PartThinking.
		Kind PartKind

		// Text holds the text for PartText and the reasoning trace for
		// PartThinking.
		Text string

		// URL references external content for PartImage and PartFile.
		URL string

		// MIMEType qualifies URL content when known (e.g. "image/png").
		MIMEType string
	}

	// ToolCall captures a model-issued request to invoke a named tool.
	ToolCall struct {
		// ID uniquely identifies this invocation within the conversation. Tool
		// result messages echo it via Message.ToolCallID.
		ID string

		// Name identifies the tool to invoke.
		Name string

		// Args is the decoded argument value, typically a map[string]any. The
		// normalization layer decodes vendor JSON before the runner sees it.
		Args any
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema object describing the tool's
		// parameters, typically a map[string]any with "type": "object".
		InputSchema any
	}

	// Chunk is one normalized streaming event. Type selects which payload
	// fields are populated. Unknown chunks are produced for unrecognized
	// vendor frames and filtered before reaching callers; normalizers never
	// fail on unrecognized input.
	Chunk struct {
		// Type is one of ChunkTypeText, ChunkTypeThinking, ChunkTypeToolCall,
		// ChunkTypeStop, ChunkTypeUnknown.
		Type ChunkType

		// Text is the content delta for ChunkTypeText and the reasoning delta
		// for ChunkTypeThinking.
		Text string

		// ToolCall carries the partial tool-call fragment for ChunkTypeToolCall.
		// Callers accumulate ArgsDelta fragments per Index to reconstruct the
		// full argument payload.
		ToolCall *ToolCallDelta

		// StopReason explains termination for ChunkTypeStop.
		StopReason string

		// Usage reports incremental token usage when the provider attaches it
		// to a frame (commonly on the final one).
		Usage *TokenUsage

		// Raw preserves the unrecognized vendor frame for ChunkTypeUnknown.
		Raw any
	}

	// ToolCallDelta is a partial tool-call fragment emitted during streaming.
	// The ID and Name arrive on the first fragment for a given Index; later
	// fragments carry only argument bytes.
	ToolCallDelta struct {
		// Index correlates fragments belonging to the same tool call.
		Index int
		// ID is the tool call identifier when present on this fragment.
		ID string
		// Name is the tool name when present on this fragment.
		Name string
		// ArgsDelta is the next piece of the JSON-encoded argument payload.
		ArgsDelta string
	}

	// TokenUsage records token counts reported by the provider. All fields are
	// zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens produced by this completion.
		OutputTokens int
		// TotalTokens is the aggregate when reported; adapters fall back to
		// InputTokens + OutputTokens when the provider omits it.
		TotalTokens int
	}

	// Role identifies who produced a message.
	Role string

	// PartKind identifies the content type of a message part.
	PartKind string

	// ChunkType identifies the kind of a streaming chunk.
	ChunkType string
)

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message part kinds.
const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartFile     PartKind = "file"
	PartThinking PartKind = "thinking"
)

// Streaming chunk types.
const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeStop     ChunkType = "stop"
	ChunkTypeUnknown  ChunkType = "unknown"
)

// Normalized stop reasons.
const (
	StopReasonStop      = "stop"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolCalls = "tool_calls"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected a request due to rate
// limiting. Adapters wrap provider-specific throttling errors with this
// sentinel so middlewares can react uniformly.
var ErrRateLimited = errors.New("model: rate limited")

// Text returns the textual content of the message. For part-based messages it
// concatenates the text parts in order, skipping thinking traces and media
// references.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Thinking returns the concatenated reasoning trace parts of the message, or
// the empty string when none are present.
func (m *Message) Thinking() string {
	if m == nil {
		return ""
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartThinking {
			out += p.Text
		}
	}
	return out
}

// Validate checks the role/tool-call invariants: a tool message always carries
// a ToolCallID, non-tool messages never do, and only assistant messages carry
// tool calls.
func (m *Message) Validate() error {
	if m == nil {
		return errors.New("model: message is nil")
	}
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return errors.New("model: unknown role " + string(m.Role))
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return errors.New("model: tool message requires a tool call id")
	}
	if m.Role != RoleTool && m.ToolCallID != "" {
		return errors.New("model: only tool messages carry a tool call id")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return errors.New("model: only assistant messages carry tool calls")
	}
	return nil
}

// Clone returns a deep copy of the message. Meta values and Args payloads are
// copied shallowly; callers must not mutate nested structures they hand to
// the runner.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if len(m.Parts) > 0 {
		out.Parts = append([]Part(nil), m.Parts...)
	}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if len(m.Meta) > 0 {
		out.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// Add adds the delta counts to u. Counters are strictly additive.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	if delta.TotalTokens > 0 {
		u.TotalTokens += delta.TotalTokens
	} else {
		u.TotalTokens += delta.InputTokens + delta.OutputTokens
	}
}
