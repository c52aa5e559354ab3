package runner

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/hooks"
	"github.com/parley-ai/parley/model"
)

type chunkStreamer struct {
	chunks []model.Chunk
	err    error
	closed bool
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		return model.Chunk{}, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *chunkStreamer) Close() error {
	s.closed = true
	return nil
}

type streamingClient struct {
	streamer *chunkStreamer
	err      error
}

func (c *streamingClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	return model.Response{}, errors.New("not used")
}

func (c *streamingClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.streamer, nil
}

func TestRunStreamRelaysChunks(t *testing.T) {
	t.Parallel()

	usage := &model.TokenUsage{InputTokens: 8, OutputTokens: 4, TotalTokens: 12}
	inner := &chunkStreamer{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: "Hel"},
		{Type: model.ChunkTypeUnknown, Raw: []byte("vendor noise")},
		{Type: model.ChunkTypeText, Text: "lo"},
		{Type: model.ChunkTypeStop, StopReason: model.StopReasonStop, Usage: usage},
	}}
	agent, err := New("agent", &streamingClient{streamer: inner})
	require.NoError(t, err)

	var deltas []model.Chunk
	var completedUsage *hooks.RunCompleted
	callbacks := map[hooks.EventType]hooks.Callback{
		hooks.EventStreamDelta: func(ctx context.Context, event hooks.Event) {
			deltas = append(deltas, event.(*hooks.StreamDelta).Chunk)
		},
		hooks.EventRunCompleted: func(ctx context.Context, event hooks.Event) {
			completedUsage = event.(*hooks.RunCompleted)
		},
	}

	s, err := agent.RunStream(context.Background(), "hi", WithCallbacks(callbacks))
	require.NoError(t, err)
	defer s.Close()

	var got []model.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk)
	}

	// The unknown chunk was filtered from both the caller and the events.
	require.Len(t, got, 3)
	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, "lo", got[1].Text)
	assert.Equal(t, model.ChunkTypeStop, got[2].Type)
	assert.Len(t, deltas, 3)

	require.NotNil(t, completedUsage)
	assert.Equal(t, "Hello", completedUsage.Output)
	assert.Equal(t, 12, completedUsage.Usage.TotalTokens)
}

func TestRunStreamErrorDispatched(t *testing.T) {
	t.Parallel()

	fault := errors.New("connection reset")
	inner := &chunkStreamer{
		chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "par"}},
		err:    fault,
	}
	agent, err := New("agent", &streamingClient{streamer: inner})
	require.NoError(t, err)

	var errored error
	callbacks := map[hooks.EventType]hooks.Callback{
		hooks.EventRunErrored: func(ctx context.Context, event hooks.Event) {
			errored = event.(*hooks.RunErrored).Err
		},
	}

	s, err := agent.RunStream(context.Background(), "hi", WithCallbacks(callbacks))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	require.ErrorIs(t, err, fault)
	assert.ErrorIs(t, errored, fault)
}

func TestRunStreamUnsupported(t *testing.T) {
	t.Parallel()

	agent, err := New("agent", &streamingClient{err: model.ErrStreamingUnsupported})
	require.NoError(t, err)

	_, err = agent.RunStream(context.Background(), "hi")
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestRunStreamCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	inner := &chunkStreamer{}
	agent, err := New("agent", &streamingClient{streamer: inner})
	require.NoError(t, err)

	s, err := agent.RunStream(context.Background(), "hi")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, inner.closed)
}

func TestRunStreamRecvAfterExhaustion(t *testing.T) {
	t.Parallel()

	usage := &model.TokenUsage{InputTokens: 8, OutputTokens: 4, TotalTokens: 12}
	inner := &chunkStreamer{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: "Hello"},
		{Type: model.ChunkTypeStop, StopReason: model.StopReasonStop, Usage: usage},
	}}
	agent, err := New("agent", &streamingClient{streamer: inner})
	require.NoError(t, err)

	completed := 0
	callbacks := map[hooks.EventType]hooks.Callback{
		hooks.EventRunCompleted: func(ctx context.Context, event hooks.Event) {
			completed++
		},
	}

	s, err := agent.RunStream(context.Background(), "hi", WithCallbacks(callbacks))
	require.NoError(t, err)
	rs := s.(*runStreamer)

	for {
		if _, err := s.Recv(); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}
	usageAtEOF := rs.rc.Usage

	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 1, completed)
	assert.Equal(t, usageAtEOF, rs.rc.Usage)
}
