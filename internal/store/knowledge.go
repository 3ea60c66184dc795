package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// SearchKnowledge returns the chunks of the agent's active, ready documents
// closest to embedding by cosine similarity, keeping those at or above
// minSimilarity.
func (d *DB) SearchKnowledge(ctx context.Context, agentID string, embedding []float32, limit int, minSimilarity float64) ([]model.Passage, error) {
	// <=> is cosine distance, so similarity is 1 - distance.
	query := `
		SELECT c.id, c.document_id, d.title, c.content, 1 - (c.embedding <=> $1) AS similarity
		FROM knowledge_chunks c
		INNER JOIN knowledge_documents d ON d.id = c.document_id
		WHERE d.agent_id = $2
			AND d.active
			AND d.status = 'READY'
			AND 1 - (c.embedding <=> $1) >= $3
		ORDER BY c.embedding <=> $1
		LIMIT $4`

	rows, err := d.db.QueryContext(ctx, query, pgvector.NewVector(embedding), agentID, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.Passage
	for rows.Next() {
		var p model.Passage
		if err := rows.Scan(&p.ChunkID, &p.DocumentID, &p.Title, &p.Content, &p.Similarity); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
