package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

func whatsappReply() OutboundMessage {
	return OutboundMessage{
		Channel:     model.ChannelWhatsApp,
		CustomerID:  "+15550001111",
		Content:     "Your order shipped.",
		WorkspaceID: "ws1",
		Metadata:    map[string]string{"phone_number_id": "123"},
	}
}

func newSenderFixture(adapterErr error) (*Sender, *fakeAdapter, *fakeQueue) {
	store := newMemStore()
	store.connections["ws1|"+string(model.ChannelWhatsApp)] = &model.ChannelConnection{
		ID:          "conn1",
		WorkspaceID: "ws1",
		Channel:     model.ChannelWhatsApp,
		Enabled:     true,
		Credentials: "token-abc",
	}
	adapter := &fakeAdapter{ct: model.ChannelWhatsApp, err: adapterErr}
	queue := &fakeQueue{}
	s := NewSender(store, plainSecrets{}, fakeAdapters{model.ChannelWhatsApp: adapter}, queue, logger.NewNop())
	return s, adapter, queue
}

func TestSendMessage_Delivers(t *testing.T) {
	s, adapter, queue := newSenderFixture(nil)

	require.NoError(t, s.SendMessage(context.Background(), whatsappReply()))

	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "+15550001111", adapter.sent[0].recipient)
	assert.Equal(t, "token-abc", adapter.sent[0].creds["access_token"])
	assert.Equal(t, "123", adapter.sent[0].meta["phone_number_id"])
	assert.Empty(t, queue.jobs)
}

func twoWhatsAppNumbers() (*Sender, *fakeAdapter) {
	store := newMemStore()
	first := &model.ChannelConnection{
		ID: "conn-a", WorkspaceID: "ws1", AgentID: "agent-a",
		Channel: model.ChannelWhatsApp, Enabled: true, Credentials: "token-a",
	}
	second := &model.ChannelConnection{
		ID: "conn-b", WorkspaceID: "ws1", AgentID: "agent-b",
		Channel: model.ChannelWhatsApp, Enabled: true, Credentials: "token-b",
	}
	store.agentConns["agent-a|"+string(model.ChannelWhatsApp)] = first
	store.agentConns["agent-b|"+string(model.ChannelWhatsApp)] = second
	// The workspace lookup returns the newest connection.
	store.connections["ws1|"+string(model.ChannelWhatsApp)] = second

	adapter := &fakeAdapter{ct: model.ChannelWhatsApp}
	return NewSender(store, plainSecrets{}, fakeAdapters{model.ChannelWhatsApp: adapter}, &fakeQueue{}, logger.NewNop()), adapter
}

func TestSendMessage_UsesTheAgentsOwnConnection(t *testing.T) {
	s, adapter := twoWhatsAppNumbers()

	msg := whatsappReply()
	msg.AgentID = "agent-a"
	require.NoError(t, s.SendMessage(context.Background(), msg))

	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "token-a", adapter.sent[0].creds["access_token"])
}

func TestSendMessage_WithoutAgentFallsBackToWorkspaceConnection(t *testing.T) {
	s, adapter := twoWhatsAppNumbers()

	require.NoError(t, s.SendMessage(context.Background(), whatsappReply()))

	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "token-b", adapter.sent[0].creds["access_token"])
}

func TestDeliver_AgentConnectionMustBelongToWorkspace(t *testing.T) {
	s, adapter := twoWhatsAppNumbers()

	msg := whatsappReply()
	msg.AgentID = "agent-a"
	msg.WorkspaceID = "ws2"
	err := s.Deliver(context.Background(), msg)

	assert.ErrorIs(t, err, model.ErrChannelNotEnabled)
	assert.Empty(t, adapter.sent)
}

func TestDeliver_DisabledAgentConnection(t *testing.T) {
	s, adapter := twoWhatsAppNumbers()
	s.store.(*memStore).agentConns["agent-a|"+string(model.ChannelWhatsApp)].Enabled = false

	msg := whatsappReply()
	msg.AgentID = "agent-a"
	err := s.Deliver(context.Background(), msg)

	assert.ErrorIs(t, err, model.ErrChannelNotEnabled)
	assert.Empty(t, adapter.sent)
}

func TestSendMessage_FailureQueuesRetryAndReturnsError(t *testing.T) {
	sendErr := &channel.SendError{Channel: model.ChannelWhatsApp, Status: http.StatusServiceUnavailable, Body: "busy"}
	s, _, queue := newSenderFixture(sendErr)

	err := s.SendMessage(context.Background(), whatsappReply())
	require.ErrorIs(t, err, sendErr)

	require.Len(t, queue.jobs, 1)
	job := queue.jobs[0]
	assert.Equal(t, nats.QueueOutboundRetry, job.queue)
	assert.Equal(t, outboundMaxAttempts, job.opts.MaxAttempts)
	assert.Equal(t, outboundInitialDelay, job.opts.InitialDelay)
	assert.Equal(t, whatsappReply(), job.payload)
}

func TestSendMessage_EnqueueFailureStillReturnsSendError(t *testing.T) {
	sendErr := errors.New("connection reset")
	s, _, queue := newSenderFixture(sendErr)
	queue.err = errors.New("nats down")

	err := s.SendMessage(context.Background(), whatsappReply())
	assert.ErrorIs(t, err, sendErr)
}

func TestSendMessage_PushChannelsAreNoops(t *testing.T) {
	s, adapter, queue := newSenderFixture(nil)

	for _, ch := range []model.ChannelType{model.ChannelWeb, model.ChannelVoice} {
		msg := whatsappReply()
		msg.Channel = ch
		require.NoError(t, s.SendMessage(context.Background(), msg))
	}
	assert.Empty(t, adapter.sent)
	assert.Empty(t, queue.jobs)
}

func TestDeliver_MissingConnection(t *testing.T) {
	s, _, _ := newSenderFixture(nil)
	msg := whatsappReply()
	msg.WorkspaceID = "other"

	err := s.Deliver(context.Background(), msg)
	assert.ErrorIs(t, err, model.ErrChannelNotEnabled)
}

func retryJob(t *testing.T, msg OutboundMessage) *nats.Job {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return &nats.Job{ID: "j1", Queue: nats.QueueOutboundRetry, MaxAttempts: 3, Payload: raw, Attempt: 2}
}

func TestHandleRetry(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		wantErr   bool
		permanent bool
	}{
		{"delivered", nil, false, false},
		{"provider unavailable retries", &channel.SendError{Status: 503}, true, false},
		{"rate limited retries", &channel.SendError{Status: 429}, true, false},
		{"rejected stops", &channel.SendError{Status: 400}, true, true},
		{"missing credentials stops", channel.ErrMissingCredentials, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newSenderFixture(tt.sendErr)
			err := s.HandleRetry(context.Background(), retryJob(t, whatsappReply()))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, nats.ErrPermanent))
		})
	}
}

func TestHandleRetry_MalformedPayloadIsPermanent(t *testing.T) {
	s, _, _ := newSenderFixture(nil)
	err := s.HandleRetry(context.Background(), &nats.Job{Payload: []byte("{")})
	assert.ErrorIs(t, err, nats.ErrPermanent)
}
