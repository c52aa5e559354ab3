package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-ai/parley/hooks"
	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/run"
)

// RunStream issues a single streaming model request and returns incremental
// chunks as they arrive. No tool execution happens on this path: tool call
// chunks are surfaced as events and stream output so callers can render
// them, but resolving them is the blocking Run loop's job.
func (a *Agent) RunStream(ctx context.Context, input string, opts ...RunOption) (model.Streamer, error) {
	o := &runOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	dispatcher := hooks.NewDispatcher(o.callbacks, o.notifier, a.logger)

	rc, err := a.initContext(ctx, input, o)
	if err != nil {
		return nil, err
	}

	toolSet := a.assembleTools(rc)
	rc, toolSet, err = a.prepareRequestHooks(ctx, rc, toolSet)
	if err != nil {
		return nil, err
	}

	ctx, span := a.tracer.Start(ctx, "agent.stream", trace.WithAttributes(
		attribute.String("agent", a.name),
		attribute.String("run_id", rc.RunID),
	))

	inner, err := a.client.Stream(ctx, a.buildRequest(rc, toolSet, o))
	if err != nil {
		span.RecordError(err)
		span.End()
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return nil, err
		}
		return nil, &ModelError{RunID: rc.RunID, Err: err}
	}

	dispatcher.Dispatch(ctx, &hooks.RunStarted{
		Base:  hooks.NewBase(hooks.EventRunStarted, rc.RunID),
		Agent: a.name,
	})
	return &runStreamer{
		ctx:        ctx,
		span:       span,
		inner:      inner,
		rc:         rc,
		dispatcher: dispatcher,
	}, nil
}

// runStreamer relays normalized chunks from the provider streamer,
// dispatching each as a StreamDelta event and dropping unknown chunk types
// before they reach the caller.
type runStreamer struct {
	ctx        context.Context
	span       telemetrySpan
	inner      model.Streamer
	rc         *run.Context
	dispatcher *hooks.Dispatcher

	text  strings.Builder
	usage model.TokenUsage

	finishOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// telemetrySpan is the subset of span behavior the streamer needs.
type telemetrySpan interface {
	End(opts ...trace.SpanEndOption)
	RecordError(err error, opts ...trace.EventOption)
}

// Recv returns the next chunk. It reports io.EOF when the stream is
// exhausted, after dispatching a RunCompleted event carrying the
// accumulated text and usage.
func (s *runStreamer) Recv() (model.Chunk, error) {
	for {
		chunk, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish()
				return model.Chunk{}, io.EOF
			}
			s.span.RecordError(err)
			s.dispatcher.Dispatch(s.ctx, &hooks.RunErrored{
				Base: hooks.NewBase(hooks.EventRunErrored, s.rc.RunID),
				Err:  err,
			})
			return model.Chunk{}, err
		}
		if chunk.Type == model.ChunkTypeUnknown {
			continue
		}
		s.observe(chunk)
		s.dispatcher.Dispatch(s.ctx, &hooks.StreamDelta{
			Base:  hooks.NewBase(hooks.EventStreamDelta, s.rc.RunID),
			Chunk: chunk,
		})
		return chunk, nil
	}
}

func (s *runStreamer) observe(chunk model.Chunk) {
	switch chunk.Type {
	case model.ChunkTypeText:
		s.text.WriteString(chunk.Text)
	case model.ChunkTypeStop:
		if chunk.Usage != nil {
			s.usage = *chunk.Usage
		}
	}
}

// finish runs once even when Recv is called again after exhaustion: usage is
// strictly additive and RunCompleted fires exactly once per stream.
func (s *runStreamer) finish() {
	s.finishOnce.Do(func() {
		s.rc.AddUsage(s.usage)
		s.dispatcher.Dispatch(s.ctx, &hooks.RunCompleted{
			Base:   hooks.NewBase(hooks.EventRunCompleted, s.rc.RunID),
			Output: s.text.String(),
			Usage:  s.rc.Usage,
		})
	})
}

// Close releases the underlying provider stream. Safe to call more than
// once.
func (s *runStreamer) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.inner.Close()
		s.span.End()
	})
	return s.closeErr
}
