package model

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// AgentStatus is the activation state of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "ACTIVE"
	AgentInactive AgentStatus = "INACTIVE"
)

// DefaultHandoffThreshold applies when an agent has no threshold configured.
const DefaultHandoffThreshold = 0.65

// Agent is the AI agent configuration. It is owned by the dashboard and read
// only by the pipeline.
type Agent struct {
	ID           string        `json:"id"`
	WorkspaceID  string        `json:"workspace_id"`
	Name         string        `json:"name"`
	Status       AgentStatus   `json:"status"`
	Instructions string        `json:"instructions"`
	SupportEmail string        `json:"support_email,omitempty"`
	Handoff      HandoffConfig `json:"handoff"`
	Hours        BusinessHours `json:"business_hours"`
	Tagging      TaggingConfig `json:"auto_tagging"`
}

// Active reports whether the agent should answer messages.
func (a *Agent) Active() bool {
	return a.Status == AgentActive
}

// HandoffConfig controls escalation to humans.
type HandoffConfig struct {
	Enabled     bool               `json:"enabled"`
	Threshold   float64            `json:"threshold"`
	Destination HandoffDestination `json:"destination"`
}

// EffectiveThreshold returns the configured threshold or the default.
func (c HandoffConfig) EffectiveThreshold() float64 {
	if c.Threshold <= 0 {
		return DefaultHandoffThreshold
	}
	return c.Threshold
}

// TaggingConfig controls automatic conversation tagging.
type TaggingConfig struct {
	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags"`
}

// DayHours is the opening window of one weekday in minutes since midnight.
type DayHours struct {
	Enabled   bool `json:"enabled"`
	OpenMins  int  `json:"open_mins"`
	CloseMins int  `json:"close_mins"`
}

// BusinessHours is a weekly schedule evaluated in the agent's timezone.
// Schedule is keyed by lowercase English weekday name ("monday").
type BusinessHours struct {
	Enabled           bool                `json:"enabled"`
	Timezone          string              `json:"timezone"`
	Schedule          map[string]DayHours `json:"schedule"`
	OutOfHoursMessage string              `json:"out_of_hours_message,omitempty"`
}

// IsOpen reports whether t falls inside the schedule. A day missing from the
// schedule or disabled is closed all day; the close minute itself is closed.
func (h BusinessHours) IsOpen(t time.Time) bool {
	loc := time.UTC
	if h.Timezone != "" {
		if l, err := time.LoadLocation(h.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	day, ok := h.Schedule[strings.ToLower(local.Weekday().String())]
	if !ok || !day.Enabled {
		return false
	}

	mins := local.Hour()*60 + local.Minute()
	return mins >= day.OpenMins && mins < day.CloseMins
}
