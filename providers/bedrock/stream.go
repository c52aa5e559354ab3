package bedrock

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/parley-ai/parley/model"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
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
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	proc := &chunkProcessor{
		emit:       s.emit,
		toolBlocks: make(map[int]*toolBlock),
	}
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(err)
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				} else if proc.finish != nil {
					// Stream ended without a trailing metadata event.
					_ = s.emit(*proc.finish)
				}
				return
			}
			if err := proc.Handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// chunkProcessor converts Converse streaming events into normalized chunks.
// Tool input JSON arrives as fragments bound to a content block index; each
// fragment forwards as a tool-call delta carrying the block's id and name.
// The stop reason from messageStop is held until the trailing metadata event
// so usage rides on the finish chunk.
type chunkProcessor struct {
	emit func(model.Chunk) error

	toolBlocks map[int]*toolBlock
	finish     *model.Chunk
}

type toolBlock struct {
	id   string
	name string
}

func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBlock)
		p.finish = nil
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if ev.Value.ContentBlockIndex == nil || ev.Value.Start == nil {
			return nil
		}
		idx := int(*ev.Value.ContentBlockIndex)
		toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		tb := &toolBlock{}
		if toolUse.Value.ToolUseId != nil {
			tb.id = *toolUse.Value.ToolUseId
		}
		if toolUse.Value.Name != nil {
			tb.name = *toolUse.Value.Name
		}
		p.toolBlocks[idx] = tb
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCallDelta{Index: idx, ID: tb.id, Name: tb.name},
		})
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		if ev.Value.ContentBlockIndex == nil {
			return nil
		}
		idx := int(*ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if textDelta, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && textDelta.Value != "" {
				return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Text: textDelta.Value})
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.toolBlocks[idx]
			if tb == nil || delta.Value.Input == nil || *delta.Value.Input == "" {
				return nil
			}
			return p.emit(model.Chunk{
				Type: model.ChunkTypeToolCall,
				ToolCall: &model.ToolCallDelta{
					Index:     idx,
					ID:        tb.id,
					Name:      tb.name,
					ArgsDelta: *delta.Value.Input,
				},
			})
		default:
			return nil
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		if ev.Value.ContentBlockIndex != nil {
			delete(p.toolBlocks, int(*ev.Value.ContentBlockIndex))
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.finish = &model.Chunk{
			Type:       model.ChunkTypeStop,
			StopReason: TranslateStopReason(ev.Value.StopReason),
		}
		p.toolBlocks = make(map[int]*toolBlock)
		return nil
	case *brtypes.ConverseStreamOutputMemberMetadata:
		finish := p.finish
		if finish == nil {
			finish = &model.Chunk{Type: model.ChunkTypeStop}
		}
		p.finish = nil
		if u := ev.Value.Usage; u != nil {
			finish.Usage = &model.TokenUsage{
				InputTokens:  int(ptrValue(u.InputTokens)),
				OutputTokens: int(ptrValue(u.OutputTokens)),
				TotalTokens:  int(ptrValue(u.TotalTokens)),
			}
		}
		return p.emit(*finish)
	}
	// Unrecognized event kinds are dropped without error.
	return nil
}
