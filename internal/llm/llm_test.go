package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/cache"
	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
	"github.com/capitalize-ai/omnichannel-agent/internal/llm/llmtest"
)

func TestCachedEmbedder_HitsCacheOnSecondCall(t *testing.T) {
	ctx := context.Background()
	inner := &llmtest.Embedder{Vector: []float32{0.25, -0.5, 1}}
	e := llm.NewCachedEmbedder(inner, cache.NewMemory(), "text-embedding-3-small")

	v1, err := e.Embed(ctx, "where is my order")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "where is my order")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.Calls())

	_, err = e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls())
}

func TestCachedEmbedder_DoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	inner := &llmtest.Embedder{Err: errors.New("rate limited")}
	e := llm.NewCachedEmbedder(inner, cache.NewMemory(), "m")

	_, err := e.Embed(ctx, "q")
	require.Error(t, err)
	_, err = e.Embed(ctx, "q")
	require.Error(t, err)
	assert.Equal(t, 2, inner.Calls())
}

func TestScriptedClient_StreamPartialOnFailure(t *testing.T) {
	boom := errors.New("connection reset")
	c := llmtest.New(llmtest.Reply{Content: "one two three four", Err: boom, FailAfter: 2})

	var got []string
	resp, err := c.CompleteStream(context.Background(), &llm.CompletionRequest{}, func(tok string, _ int) error {
		got = append(got, tok)
		return nil
	})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, resp)
	assert.Equal(t, "one two ", resp.Content)
	assert.Equal(t, []string{"one ", "two "}, got)
}
