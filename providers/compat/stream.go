package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/telemetry"
)

// streamer reads an SSE response body, reassembles event frames and
// normalizes them into chunks. A goroutine owns the body; chunks flow
// through a buffered channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	logger telemetry.Logger

	chunks chan model.Chunk

	errMu    sync.Mutex
	finalErr error
}

func newStreamer(ctx context.Context, body io.ReadCloser, logger telemetry.Logger) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		body:   body,
		logger: logger,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.body.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.body.Close() }()

	var (
		buf  sseBuffer
		read = make([]byte, 4096)
		norm = &normalizer{emit: s.emit, logger: s.logger}
	)
	for {
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		n, err := s.body.Read(read)
		if n > 0 {
			for _, payload := range buf.Feed(read[:n]) {
				if payload == doneSentinel {
					norm.finishStream()
					return
				}
				if err := norm.handle(payload); err != nil {
					s.setErr(err)
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.setErr(fmt.Errorf("compat stream: read: %w", err))
				return
			}
			// Transport closed without the sentinel. Flush any trailing
			// buffered event before finishing.
			if payload, ok := buf.Flush(); ok && payload != doneSentinel {
				if err := norm.handle(payload); err != nil {
					s.setErr(err)
					return
				}
			}
			norm.finishStream()
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil && err != nil {
		s.finalErr = err
	}
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// normalizer maps decoded frames to zero or more chunks. Unrecognized frame
// shapes become unknown chunks rather than errors; the finish chunk is held
// until end of stream so a trailing usage frame can ride on it.
type normalizer struct {
	emit   func(model.Chunk) error
	logger telemetry.Logger

	finish *model.Chunk
	usage  *model.TokenUsage
}

func (n *normalizer) handle(payload string) error {
	var frame chatStreamFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		if n.logger != nil {
			n.logger.Debug(context.Background(), "dropping undecodable stream frame", "err", err)
		}
		return n.emit(model.Chunk{Type: model.ChunkTypeUnknown, Raw: []byte(payload)})
	}
	if frame.Error != nil {
		return &APIError{Message: frame.Error.Message}
	}
	if frame.Usage != nil {
		n.usage = &model.TokenUsage{
			InputTokens:  frame.Usage.PromptTokens,
			OutputTokens: frame.Usage.CompletionTokens,
			TotalTokens:  frame.Usage.TotalTokens,
		}
	}
	if len(frame.Choices) == 0 {
		if frame.Usage == nil {
			return n.emit(model.Chunk{Type: model.ChunkTypeUnknown, Raw: []byte(payload)})
		}
		return nil
	}
	choice := frame.Choices[0]

	// Some providers return one complete message instead of deltas. Detected
	// structurally and converted into an equivalent delta + finish pair so
	// callers never branch on provider.
	if choice.Message != nil {
		return n.completeMessage(choice)
	}

	if choice.Delta != nil {
		if choice.Delta.Content != "" {
			if err := n.emit(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		if choice.Delta.ReasoningContent != "" {
			if err := n.emit(model.Chunk{Type: model.ChunkTypeThinking, Text: choice.Delta.ReasoningContent}); err != nil {
				return err
			}
		}
		for i, tc := range choice.Delta.ToolCalls {
			delta := &model.ToolCallDelta{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}
			if tc.Index != nil {
				delta.Index = *tc.Index
			} else {
				delta.Index = i
			}
			if err := n.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: delta}); err != nil {
				return err
			}
		}
	}
	if choice.FinishReason != "" {
		n.finish = &model.Chunk{
			Type:       model.ChunkTypeStop,
			StopReason: translateFinishReason(choice.FinishReason),
		}
	}
	return nil
}

func (n *normalizer) completeMessage(choice chatStreamChoice) error {
	msg := choice.Message
	if msg.Content != "" {
		if err := n.emit(model.Chunk{Type: model.ChunkTypeText, Text: msg.Content}); err != nil {
			return err
		}
	}
	if msg.ReasoningContent != "" {
		if err := n.emit(model.Chunk{Type: model.ChunkTypeThinking, Text: msg.ReasoningContent}); err != nil {
			return err
		}
	}
	for i, tc := range msg.ToolCalls {
		if err := n.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCallDelta{
				Index:     i,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			},
		}); err != nil {
			return err
		}
	}
	reason := translateFinishReason(choice.FinishReason)
	if reason == "" {
		reason = model.StopReasonStop
		if len(msg.ToolCalls) > 0 {
			reason = model.StopReasonToolCalls
		}
	}
	n.finish = &model.Chunk{Type: model.ChunkTypeStop, StopReason: reason}
	return nil
}

// finishStream emits the held finish chunk with accumulated usage attached.
func (n *normalizer) finishStream() {
	finish := n.finish
	if finish == nil {
		finish = &model.Chunk{Type: model.ChunkTypeStop, StopReason: model.StopReasonStop}
	}
	finish.Usage = n.usage
	n.finish = nil
	_ = n.emit(*finish)
}
