// Package handoff decides when a conversation escalates to a human and
// delivers the escalation.
package handoff

import (
	"regexp"

	"github.com/capitalize-ai/omnichannel-agent/internal/confidence"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// AngerFloor is the emotional score below which a turn always escalates.
const AngerFloor = 0.25

var explicitRequest = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(talk|speak|chat)\s+(to|with)\s+(a|an|some)?\s*(human|person|agent|representative|rep|someone)\b`),
	regexp.MustCompile(`(?i)\b(real|live|actual)\s+(human|person|agent)\b`),
	regexp.MustCompile(`(?i)\bhuman\s+(agent|support|being)\b`),
	regexp.MustCompile(`(?i)\bescalat(e|ion)\b`),
	regexp.MustCompile(`(?i)\b(customer\s+service|support)\s+(rep|representative|team)\b`),
	regexp.MustCompile(`(?i)\b(speak|talk)\s+to\s+(your|a)\s+manager\b`),
	regexp.MustCompile(`(?i)\boperator\b`),
}

// IsExplicitRequest reports whether text asks for a human.
func IsExplicitRequest(text string) bool {
	for _, re := range explicitRequest {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Decision is the outcome of Decide.
type Decision struct {
	Escalate bool
	Trigger  model.HandoffTrigger
}

// Decide applies the escalation precedence: explicit request, then anger,
// then low confidence. Disabled handoff never escalates.
func Decide(cfg model.HandoffConfig, sc confidence.Scores, text string) Decision {
	switch {
	case !cfg.Enabled:
		return Decision{}
	case IsExplicitRequest(text):
		return Decision{Escalate: true, Trigger: model.TriggerExplicitRequest}
	case sc.Emotional < AngerFloor:
		return Decision{Escalate: true, Trigger: model.TriggerAngerDetected}
	case sc.Composite < cfg.EffectiveThreshold():
		return Decision{Escalate: true, Trigger: model.TriggerLowConfidence}
	default:
		return Decision{}
	}
}
