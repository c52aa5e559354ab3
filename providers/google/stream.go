package google

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"

	"google.golang.org/genai"

	"github.com/parley-ai/parley/model"
)

// streamer adapts the genai streaming iterator to model.Streamer. Gemini
// delivers function calls whole rather than as argument fragments, so each
// one normalizes to a single tool-call chunk carrying the full argument JSON.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan model.Chunk

	errMu    sync.Mutex
	finalErr error
}

func newStreamer(ctx context.Context, seq iter.Seq2[*genai.GenerateContentResponse, error]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run(seq)
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
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return nil
}

func (s *streamer) run(seq iter.Seq2[*genai.GenerateContentResponse, error]) {
	defer close(s.chunks)

	var (
		usage      *model.TokenUsage
		finish     string
		toolCalls  int
		sawContent bool
	)
	for res, err := range seq {
		if err != nil {
			s.setErr(err)
			return
		}
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		if res == nil {
			continue
		}
		if res.UsageMetadata != nil {
			u := translateUsage(res.UsageMetadata)
			usage = &u
		}
		if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
			continue
		}
		cand := res.Candidates[0]
		if cand.FinishReason != "" {
			finish = string(cand.FinishReason)
		}
		for _, p := range cand.Content.Parts {
			if p == nil {
				continue
			}
			if p.Text != "" {
				sawContent = true
				chunk := model.Chunk{Type: model.ChunkTypeText, Text: p.Text}
				if p.Thought {
					chunk.Type = model.ChunkTypeThinking
				}
				if !s.emit(chunk) {
					return
				}
			}
			if p.FunctionCall != nil {
				sawContent = true
				tc := translateFunctionCall(p.FunctionCall, toolCalls)
				args, err := json.Marshal(tc.Args)
				if err != nil {
					s.setErr(err)
					return
				}
				if !s.emit(model.Chunk{
					Type: model.ChunkTypeToolCall,
					ToolCall: &model.ToolCallDelta{
						Index:     toolCalls,
						ID:        tc.ID,
						Name:      tc.Name,
						ArgsDelta: string(args),
					},
				}) {
					return
				}
				toolCalls++
			}
		}
	}
	if !sawContent && usage == nil {
		return
	}
	s.emit(model.Chunk{
		Type:       model.ChunkTypeStop,
		StopReason: stopReason(genai.FinishReason(finish), toolCalls > 0),
		Usage:      usage,
	})
}

func (s *streamer) emit(chunk model.Chunk) bool {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	case s.chunks <- chunk:
		return true
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
