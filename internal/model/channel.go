package model

import (
	"fmt"
	"strings"
)

// ChannelType discriminates the closed set of supported channels.
type ChannelType string

const (
	ChannelWeb       ChannelType = "WEB"
	ChannelWhatsApp  ChannelType = "WHATSAPP"
	ChannelTelegram  ChannelType = "TELEGRAM"
	ChannelSMS       ChannelType = "SMS"
	ChannelSlack     ChannelType = "SLACK"
	ChannelEmail     ChannelType = "EMAIL"
	ChannelVoice     ChannelType = "VOICE"
	ChannelMessenger ChannelType = "MESSENGER"
)

// AllChannels lists every supported channel.
var AllChannels = []ChannelType{
	ChannelWeb,
	ChannelWhatsApp,
	ChannelTelegram,
	ChannelSMS,
	ChannelSlack,
	ChannelEmail,
	ChannelVoice,
	ChannelMessenger,
}

// ParseChannelType accepts any casing of a channel name.
func ParseChannelType(s string) (ChannelType, error) {
	c := ChannelType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllChannels {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChannel, s)
}

// PushDelivered reports whether replies on this channel reach the customer
// without a separate outbound provider call (realtime push or inline response).
func (c ChannelType) PushDelivered() bool {
	return c == ChannelWeb || c == ChannelVoice
}

// CanonicalInbound is the channel-agnostic shape produced by a channel adapter.
type CanonicalInbound struct {
	ExternalID   string            `json:"external_id"`
	CustomerID   string            `json:"customer_id"`
	CustomerName string            `json:"customer_name,omitempty"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// InboundMessage is a canonical message addressed to an agent on a channel.
type InboundMessage struct {
	AgentID string      `json:"agent_id"`
	Channel ChannelType `json:"channel"`
	CanonicalInbound
}

// ChannelConnection is an agent's connection to a channel provider.
// Credentials and WebhookSecret are encrypted at rest.
type ChannelConnection struct {
	ID            string      `json:"id"`
	WorkspaceID   string      `json:"workspace_id"`
	AgentID       string      `json:"agent_id"`
	Channel       ChannelType `json:"channel"`
	Enabled       bool        `json:"enabled"`
	Credentials   string      `json:"-"`
	WebhookSecret string      `json:"-"`
}
