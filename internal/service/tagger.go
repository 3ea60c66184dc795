package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
)

const maxTags = 3

// Tagger classifies a turn into tags from an agent's vocabulary.
type Tagger struct {
	client llm.Client
	model  string
}

// NewTagger creates a tagger.
func NewTagger(client llm.Client, model string) *Tagger {
	return &Tagger{client: client, model: model}
}

// Classify returns at most three tags from vocabulary, spelled as in the
// vocabulary. Suggestions outside it are dropped.
func (t *Tagger) Classify(ctx context.Context, userMessage, reply string, vocabulary []string) ([]string, error) {
	if len(vocabulary) == 0 {
		return nil, nil
	}
	resp, err := t.client.Complete(ctx, &llm.CompletionRequest{
		Model: t.model,
		System: "Classify the customer support exchange. Choose at most 3 tags, only from this list: " +
			strings.Join(vocabulary, ", ") +
			". Respond with only a JSON array of strings, for example [\"billing\"]. Respond with [] if none apply.",
		Messages: []llm.ChatMessage{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Customer: %s\n\nReply: %s", userMessage, reply),
		}},
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return parseTags(resp.Content, vocabulary)
}

func parseTags(text string, vocabulary []string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in tag reply")
	}
	var suggested []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &suggested); err != nil {
		return nil, fmt.Errorf("decode tag reply: %w", err)
	}

	known := make(map[string]string, len(vocabulary))
	for _, v := range vocabulary {
		known[strings.ToLower(strings.TrimSpace(v))] = v
	}
	seen := make(map[string]bool)
	tags := make([]string, 0, maxTags)
	for _, s := range suggested {
		canonical, ok := known[strings.ToLower(strings.TrimSpace(s))]
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		tags = append(tags, canonical)
		if len(tags) == maxTags {
			break
		}
	}
	return tags, nil
}
