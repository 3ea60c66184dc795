package model

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentInactive       = errors.New("agent is not active")
	ErrChannelNotEnabled   = errors.New("channel is not enabled for agent")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnsupportedChannel  = errors.New("unsupported channel")
)
