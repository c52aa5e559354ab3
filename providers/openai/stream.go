package openai

import (
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/model"
)

// streamer adapts *openai.ChatCompletionStream to model.Streamer. One vendor
// frame may normalize to zero or more chunks, so decoded chunks queue in
// pending and Recv drains the queue before pulling the next frame.
type streamer struct {
	stream  *openai.ChatCompletionStream
	pending []model.Chunk
	// finish holds the terminal chunk until the trailing usage frame (or
	// EOF) arrives, so usage rides on the finish chunk.
	finish *model.Chunk
	done   bool
}

// Recv returns the next normalized chunk. io.EOF signals a clean end of
// stream.
func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				if s.finish != nil {
					c := *s.finish
					s.finish = nil
					return c, nil
				}
				return model.Chunk{}, io.EOF
			}
			return model.Chunk{}, fmt.Errorf("openai stream: %w", err)
		}
		s.ingest(resp)
	}
}

// Close releases the underlying HTTP response.
func (s *streamer) Close() error {
	s.done = true
	s.stream.Close()
	return nil
}

func (s *streamer) ingest(resp openai.ChatCompletionStreamResponse) {
	// The usage frame trails the last choice frame when stream options
	// request usage. Attach it to the held finish chunk.
	if resp.Usage != nil {
		u := &model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
		if s.finish != nil {
			s.finish.Usage = u
		} else {
			s.finish = &model.Chunk{Type: model.ChunkTypeStop, Usage: u}
		}
	}
	if len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkTypeText,
			Text: choice.Delta.Content,
		})
	}
	for _, tc := range choice.Delta.ToolCalls {
		delta := &model.ToolCallDelta{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			ArgsDelta: tc.Function.Arguments,
		}
		if tc.Index != nil {
			delta.Index = *tc.Index
		}
		s.pending = append(s.pending, model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: delta,
		})
	}
	if choice.FinishReason != "" {
		c := model.Chunk{
			Type:       model.ChunkTypeStop,
			StopReason: TranslateFinishReason(string(choice.FinishReason)),
		}
		if s.finish != nil && s.finish.Usage != nil {
			c.Usage = s.finish.Usage
		}
		s.finish = &c
	}
}
