package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

const (
	outboundMaxAttempts  = 3
	outboundInitialDelay = 5 * time.Second
)

// OutboundMessage is a reply addressed to a customer on a channel. AgentID
// names the agent whose connection received the conversation; replies go
// back out through that connection.
type OutboundMessage struct {
	AgentID     string            `json:"agent_id,omitempty"`
	Channel     model.ChannelType `json:"channel"`
	CustomerID  string            `json:"customer_id"`
	Content     string            `json:"content"`
	WorkspaceID string            `json:"workspace_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ConnectionStore finds the connection used for outbound sends.
type ConnectionStore interface {
	GetAgentChannelConnection(ctx context.Context, agentID string, channel model.ChannelType) (*model.ChannelConnection, error)
	GetChannelConnection(ctx context.Context, workspaceID string, channel model.ChannelType) (*model.ChannelConnection, error)
}

// Decrypter opens encrypted credentials.
type Decrypter interface {
	DecryptMap(encoded string) (map[string]string, error)
}

// Adapters resolves channel adapters.
type Adapters interface {
	Get(ct model.ChannelType) (channel.Adapter, error)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts nats.JobOptions) (string, error)
}

// Sender delivers replies through channel providers.
type Sender struct {
	store    ConnectionStore
	secrets  Decrypter
	adapters Adapters
	jobs     Enqueuer
	logger   *logger.Logger
}

// NewSender creates a sender.
func NewSender(store ConnectionStore, secrets Decrypter, adapters Adapters, jobs Enqueuer, log *logger.Logger) *Sender {
	return &Sender{store: store, secrets: secrets, adapters: adapters, jobs: jobs, logger: log.Component("sender")}
}

// SendMessage delivers msg once. On failure the message is queued for retry
// and the original error is returned. Web and voice replies are delivered
// in-band and are no-ops here.
func (s *Sender) SendMessage(ctx context.Context, msg OutboundMessage) error {
	if msg.Channel.PushDelivered() {
		return nil
	}
	err := s.Deliver(ctx, msg)
	if err == nil {
		return nil
	}

	log := s.logger.With(
		zap.String("workspace_id", msg.WorkspaceID),
		zap.String("channel", string(msg.Channel)),
	)
	jobID, qerr := s.jobs.Enqueue(context.WithoutCancel(ctx), nats.QueueOutboundRetry, msg, nats.JobOptions{
		MaxAttempts:  outboundMaxAttempts,
		InitialDelay: outboundInitialDelay,
	})
	if qerr != nil {
		log.Error("Failed to queue outbound retry", zap.Error(qerr), zap.NamedError("send_error", err))
		metrics.RecordSideEffectFailure("outbound_enqueue")
	} else {
		log.Warn("Outbound send failed, retry queued", zap.String("job_id", jobID), zap.Error(err))
	}
	return err
}

// Deliver performs a single provider send with freshly decrypted credentials.
func (s *Sender) Deliver(ctx context.Context, msg OutboundMessage) error {
	err := s.deliver(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OutboundSendsTotal.WithLabelValues(string(msg.Channel), status).Inc()
	return err
}

func (s *Sender) deliver(ctx context.Context, msg OutboundMessage) error {
	conn, err := s.connection(ctx, msg)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: no %s connection", model.ErrChannelNotEnabled, msg.Channel)
		}
		return fmt.Errorf("load connection: %w", err)
	}
	if !conn.Enabled {
		return model.ErrChannelNotEnabled
	}

	creds, err := s.secrets.DecryptMap(conn.Credentials)
	if err != nil {
		return fmt.Errorf("%w: %w", channel.ErrMissingCredentials, err)
	}
	adapter, err := s.adapters.Get(msg.Channel)
	if err != nil {
		return err
	}
	return adapter.Send(ctx, msg.CustomerID, msg.Content, channel.Credentials(creds), msg.Metadata)
}

// connection picks the agent's own connection when the message names one,
// and otherwise the workspace's newest enabled connection for the channel.
func (s *Sender) connection(ctx context.Context, msg OutboundMessage) (*model.ChannelConnection, error) {
	if msg.AgentID == "" {
		return s.store.GetChannelConnection(ctx, msg.WorkspaceID, msg.Channel)
	}
	conn, err := s.store.GetAgentChannelConnection(ctx, msg.AgentID, msg.Channel)
	if err != nil {
		return nil, err
	}
	if conn.WorkspaceID != msg.WorkspaceID {
		return nil, model.ErrNotFound
	}
	return conn, nil
}

// HandleRetry processes one outbound-retry job. Failures that a later attempt
// cannot fix stop the retries.
func (s *Sender) HandleRetry(ctx context.Context, job *nats.Job) error {
	var msg OutboundMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return nats.Permanent(fmt.Errorf("decode outbound message: %w", err))
	}
	err := s.Deliver(ctx, msg)
	if err == nil {
		s.logger.Info("Outbound retry delivered",
			zap.String("job_id", job.ID),
			zap.String("channel", string(msg.Channel)),
			zap.Int("attempt", job.Attempt),
		)
		return nil
	}
	if errors.Is(err, model.ErrChannelNotEnabled) || !channel.IsTransient(err) {
		return nats.Permanent(err)
	}
	return err
}
