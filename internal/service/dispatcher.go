package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// DispatchStore is the lookup the dispatcher needs.
type DispatchStore interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	IsChannelEnabled(ctx context.Context, agentID string, channel model.ChannelType) (bool, error)
}

// Runner runs the reply pipeline.
type Runner interface {
	Run(ctx context.Context, in *model.InboundMessage, sink Sink) (*Result, error)
}

// DispatchResult is the reply to send back on the inbound channel.
type DispatchResult struct {
	Content        string  `json:"content"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Outcome        Outcome `json:"outcome"`
}

// Dispatcher is the entry point for every channel.
type Dispatcher struct {
	store  DispatchStore
	runner Runner
	logger *logger.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store DispatchStore, runner Runner, log *logger.Logger) *Dispatcher {
	return &Dispatcher{store: store, runner: runner, logger: log.Component("dispatcher")}
}

// Dispatch checks the agent and channel, then runs the pipeline in batch mode.
//
// An inactive agent yields the canned reply together with
// model.ErrAgentInactive. A non-web channel that is not enabled for the agent
// yields model.ErrChannelNotEnabled and nothing is written.
func (d *Dispatcher) Dispatch(ctx context.Context, in *model.InboundMessage) (*DispatchResult, error) {
	return d.dispatch(ctx, in, nil)
}

// DispatchStream is Dispatch with the reply streamed to sink.
func (d *Dispatcher) DispatchStream(ctx context.Context, in *model.InboundMessage, sink Sink) (*DispatchResult, error) {
	return d.dispatch(ctx, in, sink)
}

func (d *Dispatcher) dispatch(ctx context.Context, in *model.InboundMessage, sink Sink) (*DispatchResult, error) {
	log := d.logger.With(zap.String("agent_id", in.AgentID), zap.String("channel", string(in.Channel)))

	agent, err := d.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if !agent.Active() {
		log.Info("Message for inactive agent")
		return &DispatchResult{Content: DisabledReply, Outcome: OutcomeAgentInactive}, model.ErrAgentInactive
	}

	if in.Channel != model.ChannelWeb {
		enabled, err := d.store.IsChannelEnabled(ctx, agent.ID, in.Channel)
		if err != nil {
			return nil, fmt.Errorf("check channel: %w", err)
		}
		if !enabled {
			log.Info("Message on disabled channel dropped")
			return nil, model.ErrChannelNotEnabled
		}
	}

	res, err := d.runner.Run(ctx, in, sink)
	if res == nil {
		return nil, err
	}
	return &DispatchResult{Content: res.Content, ConversationID: res.ConversationID, Outcome: res.Outcome}, err
}
