// Package knowledge retrieves grounding passages for an agent by vector
// similarity.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

const (
	DefaultLimit         = 5
	DefaultMinSimilarity = 0.78
)

// Searcher runs the similarity query.
type Searcher interface {
	SearchKnowledge(ctx context.Context, agentID string, embedding []float32, limit int, minSimilarity float64) ([]model.Passage, error)
}

// Retriever embeds the query and searches the agent's active, ready documents.
type Retriever struct {
	embedder      llm.Embedder
	searcher      Searcher
	limit         int
	minSimilarity float64
}

// NewRetriever creates a retriever with the default limit and threshold.
func NewRetriever(embedder llm.Embedder, searcher Searcher) *Retriever {
	return &Retriever{
		embedder:      embedder,
		searcher:      searcher,
		limit:         DefaultLimit,
		minSimilarity: DefaultMinSimilarity,
	}
}

// Retrieve returns up to five passages, most similar first.
func (r *Retriever) Retrieve(ctx context.Context, agentID, query string) ([]model.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	passages, err := r.searcher.SearchKnowledge(ctx, agentID, vec, r.limit, r.minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return passages, nil
}

// FormatContext renders passages as the knowledge block of a system prompt.
func FormatContext(passages []model.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Knowledge base excerpts (use these to answer; say so if they do not cover the question):\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "\n[%d]", i+1)
		if p.Title != "" {
			fmt.Fprintf(&b, " %s", p.Title)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(p.Content))
		b.WriteString("\n")
	}
	return b.String()
}
