// Package email sends transactional notification emails to workspace members.
package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// ErrNoRecipient is returned for a message without recipients.
var ErrNoRecipient = errors.New("email has no recipient")

// Message is one outgoing email.
type Message struct {
	To      []string
	Subject string
	Text    string
}

// Sender delivers emails.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// APISender posts to a Resend-compatible HTTP API.
type APISender struct {
	client  *resty.Client
	baseURL string
	apiKey  string
	from    string
}

// NewAPISender creates an API sender. A nil client gets a default one.
func NewAPISender(client *resty.Client, baseURL, apiKey, from string) *APISender {
	if client == nil {
		client = resty.New().SetTimeout(10 * time.Second)
	}
	return &APISender{client: client, baseURL: baseURL, apiKey: apiKey, from: from}
}

// Send posts the message to {baseURL}/emails.
func (s *APISender) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"from":    s.from,
			"to":      msg.To,
			"subject": msg.Subject,
			"text":    msg.Text,
		}).
		Post(s.baseURL + "/emails")
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("send email: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// LogSender only logs. Used when no email API key is configured.
type LogSender struct {
	logger *logger.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{logger: log.Component("email")}
}

// Send logs the message.
func (s *LogSender) Send(_ context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	s.logger.Info("Email not sent, no provider configured",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("length", len(msg.Text)),
	)
	return nil
}
