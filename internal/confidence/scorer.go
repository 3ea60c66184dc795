// Package confidence rates a completed response with a judge model.
package confidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

// Composite weights.
const (
	WeightFactual   = 0.45
	WeightIntent    = 0.35
	WeightEmotional = 0.20

	// Neutral is the composite reported when scoring fails.
	Neutral = 0.7

	maxPassages = 3
)

// Scores are the judge's ratings, each in [0,1].
type Scores struct {
	Factual   float64 `json:"factual"`
	Intent    float64 `json:"intent"`
	Emotional float64 `json:"emotional"`
	Composite float64 `json:"composite"`
}

// NeutralScores is the failure result.
func NeutralScores() Scores {
	return Scores{Factual: Neutral, Intent: Neutral, Emotional: Neutral, Composite: Neutral}
}

const judgePrompt = `You grade customer support replies. Rate the assistant reply on three independent scales from 0 to 1:
- factual: how well the reply is grounded in the provided knowledge (1 = fully supported, 0 = unsupported or contradicted; with no knowledge, judge general plausibility)
- intent: how completely the reply addresses what the customer asked
- emotional: the emotional tone of the exchange (1 = calm, 0 = hostile or very upset customer)
Respond with only a JSON object: {"factual": <number>, "intent": <number>, "emotional": <number>}`

// Scorer asks a judge model for confidence ratings.
type Scorer struct {
	client llm.Client
	model  string
	logger *logger.Logger
}

// NewScorer creates a scorer using model on client.
func NewScorer(client llm.Client, model string, log *logger.Logger) *Scorer {
	return &Scorer{client: client, model: model, logger: log.Component("confidence")}
}

// Score rates response against the user's message and up to three passages.
// It never fails: any call or parse error yields NeutralScores.
func (s *Scorer) Score(ctx context.Context, userMessage, response string, passages []model.Passage) Scores {
	if len(passages) > maxPassages {
		passages = passages[:maxPassages]
	}

	var b strings.Builder
	if len(passages) > 0 {
		b.WriteString("Knowledge:\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(p.Content))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Customer: %s\n\nAssistant reply: %s", userMessage, response)

	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		Model:       s.model,
		System:      judgePrompt,
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: b.String()}},
		MaxTokens:   128,
		Temperature: 0,
	})
	if err != nil {
		s.logger.Warn("Confidence judge call failed", zap.Error(err))
		return s.observe(NeutralScores())
	}

	scores, err := Parse(resp.Content)
	if err != nil {
		s.logger.Warn("Confidence judge reply unparseable", zap.Error(err), zap.String("reply", truncate(resp.Content, 200)))
		return s.observe(NeutralScores())
	}
	return s.observe(scores)
}

func (s *Scorer) observe(sc Scores) Scores {
	metrics.ConfidenceScore.Observe(sc.Composite)
	return sc
}

// Parse extracts the first JSON object in text and computes the clamped
// composite.
func Parse(text string) (Scores, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Scores{}, fmt.Errorf("no JSON object in judge reply")
	}

	var raw struct {
		Factual   *float64 `json:"factual"`
		Intent    *float64 `json:"intent"`
		Emotional *float64 `json:"emotional"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Scores{}, fmt.Errorf("decode judge reply: %w", err)
	}
	if raw.Factual == nil || raw.Intent == nil || raw.Emotional == nil {
		return Scores{}, fmt.Errorf("judge reply missing a rating")
	}
	return Combine(*raw.Factual, *raw.Intent, *raw.Emotional), nil
}

// Combine clamps each axis and the weighted composite to [0,1].
func Combine(factual, intent, emotional float64) Scores {
	sc := Scores{
		Factual:   clamp(factual),
		Intent:    clamp(intent),
		Emotional: clamp(emotional),
	}
	sc.Composite = clamp(WeightFactual*sc.Factual + WeightIntent*sc.Intent + WeightEmotional*sc.Emotional)
	return sc
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
