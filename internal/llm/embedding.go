package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/omnichannel-agent/internal/cache"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder for model.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required for embeddings")
	}
	return NewOpenAIEmbedderWithConfig(openai.DefaultConfig(apiKey), model, dimensions), nil
}

// NewOpenAIEmbedderWithConfig creates an embedder against a compatible endpoint.
func NewOpenAIEmbedderWithConfig(cfg openai.ClientConfig, model string, dimensions int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

const embeddingTTL = 24 * time.Hour

// CachedEmbedder memoizes embeddings in the shared cache keyed by model and
// content hash. Cache errors fall through to the wrapped embedder.
type CachedEmbedder struct {
	next  Embedder
	cache cache.Cache
	model string
}

// NewCachedEmbedder wraps next.
func NewCachedEmbedder(next Embedder, c cache.Cache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: c, model: model}
}

func (e *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.model + ":" + hex.EncodeToString(sum[:])
}

// Embed returns the cached embedding or computes and stores it.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var v []float32
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v, nil
		}
	}

	v, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(v); err == nil {
		_ = e.cache.Set(ctx, key, string(raw), embeddingTTL)
	}
	return v, nil
}
