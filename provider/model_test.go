package provider_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/provider"
)

// fakeClient is a minimal in-memory provider.Client used to exercise
// callers (router, pipeline) without a live upstream.
type fakeClient struct {
	response provider.Response
	chunks   []provider.Chunk
}

func (f *fakeClient) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	return f.response, nil
}

func (f *fakeClient) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return &fakeStreamer{chunks: f.chunks}, nil
}

func (f *fakeClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return len(text) / 4, nil
}

type fakeStreamer struct {
	chunks []provider.Chunk
	i      int
}

func (s *fakeStreamer) Recv() (provider.Chunk, error) {
	if s.i >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *fakeStreamer) Close() error                { return nil }
func (s *fakeStreamer) Metadata() map[string]string { return nil }

func TestFakeClientSatisfiesInterface(t *testing.T) {
	var _ provider.Client = (*fakeClient)(nil)
}

func TestStreamerDrainsAllChunksThenEOF(t *testing.T) {
	client := &fakeClient{chunks: []provider.Chunk{
		{Type: provider.ChunkTypeStart},
		{Type: provider.ChunkTypeContentDelta, TextDelta: "hi"},
		{Type: provider.ChunkTypeEnd, StopReason: "stop"},
	}}
	s, err := client.Stream(context.Background(), provider.Request{})
	require.NoError(t, err)

	var got []provider.ChunkType
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, c.Type)
	}
	require.Equal(t, []provider.ChunkType{provider.ChunkTypeStart, provider.ChunkTypeContentDelta, provider.ChunkTypeEnd}, got)
}
