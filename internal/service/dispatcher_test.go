package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/llm/llmtest"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

type countingRunner struct {
	calls int
	res   *Result
	err   error
}

func (r *countingRunner) Run(context.Context, *model.InboundMessage, Sink) (*Result, error) {
	r.calls++
	return r.res, r.err
}

func whatsappMessage(text string) *model.InboundMessage {
	in := webMessage(text)
	in.Channel = model.ChannelWhatsApp
	in.CustomerID = "+15550001111"
	return in
}

func TestDispatch_InactiveAgent(t *testing.T) {
	agent := activeAgent()
	agent.Status = model.AgentInactive
	runner := &countingRunner{}
	d := NewDispatcher(newMemStore(agent), runner, logger.NewNop())

	res, err := d.Dispatch(context.Background(), whatsappMessage("hi"))
	require.ErrorIs(t, err, model.ErrAgentInactive)
	require.NotNil(t, res)
	assert.Equal(t, DisabledReply, res.Content)
	assert.Zero(t, runner.calls)
}

func TestDispatch_ChannelNotEnabled(t *testing.T) {
	runner := &countingRunner{}
	d := NewDispatcher(newMemStore(activeAgent()), runner, logger.NewNop())

	res, err := d.Dispatch(context.Background(), whatsappMessage("hi"))
	require.ErrorIs(t, err, model.ErrChannelNotEnabled)
	assert.Nil(t, res)
	assert.Zero(t, runner.calls)
}

func TestDispatch_WebIsAlwaysEnabled(t *testing.T) {
	runner := &countingRunner{res: &Result{ConversationID: "c1", Content: "hello", Outcome: OutcomeReplied}}
	d := NewDispatcher(newMemStore(activeAgent()), runner, logger.NewNop())

	res, err := d.Dispatch(context.Background(), webMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, &DispatchResult{Content: "hello", ConversationID: "c1", Outcome: OutcomeReplied}, res)
	assert.Equal(t, 1, runner.calls)
}

func TestDispatch_EnabledChannelRunsPipeline(t *testing.T) {
	h := newHarness(t, activeAgent(), llmtest.Reply{Content: "On its way!"})
	h.store.enabled["a1|"+string(model.ChannelWhatsApp)] = true
	d := NewDispatcher(h.store, h.orchestrator(), logger.NewNop())

	res, err := d.Dispatch(context.Background(), whatsappMessage("where is my order"))
	require.NoError(t, err)
	assert.Equal(t, "On its way!", res.Content)
	assert.NotEmpty(t, res.ConversationID)
}

func TestDispatch_UnknownAgent(t *testing.T) {
	d := NewDispatcher(newMemStore(), &countingRunner{}, logger.NewNop())

	_, err := d.Dispatch(context.Background(), webMessage("hi"))
	assert.ErrorIs(t, err, model.ErrAgentNotFound)
}
