package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

type webhookHarness struct {
	router     chi.Router
	dispatcher *fakeDispatcher
	sender     *fakeSender
	tasks      *inlineTasks
}

func newWebhookHarness(t *testing.T, parsed *model.CanonicalInbound) *webhookHarness {
	t.Helper()
	conns := &fakeConnections{conns: map[string]*model.ChannelConnection{}}
	for _, ch := range []model.ChannelType{model.ChannelTelegram, model.ChannelSlack, model.ChannelVoice, model.ChannelWhatsApp} {
		conns.conns[testAgent+"|"+string(ch)] = &model.ChannelConnection{
			ID:            "conn-" + string(ch),
			WorkspaceID:   testWorkspace,
			AgentID:       testAgent,
			Channel:       ch,
			Enabled:       true,
			Credentials:   `{"verify_token":"hub-token"}`,
			WebhookSecret: "s3cret",
		}
	}
	adapters := stubAdapters{
		model.ChannelTelegram: &stubAdapter{ct: model.ChannelTelegram, parsed: parsed},
		model.ChannelVoice:    &stubAdapter{ct: model.ChannelVoice, parsed: parsed},
		model.ChannelWhatsApp: &stubAdapter{ct: model.ChannelWhatsApp, parsed: parsed},
		model.ChannelSlack:    &signedAdapter{stubAdapter{ct: model.ChannelSlack, parsed: parsed}},
	}

	h := &webhookHarness{
		dispatcher: &fakeDispatcher{result: &service.DispatchResult{Content: "Here to help", Outcome: service.OutcomeReplied}},
		sender:     &fakeSender{},
		tasks:      &inlineTasks{},
	}
	wh := NewWebhookHandler(conns, plainSecrets{}, adapters, h.dispatcher, h.sender, h.tasks, logger.NewNop())
	r := chi.NewRouter()
	r.Get("/webhooks/{channel}/{agentID}", wh.Verify)
	r.Post("/webhooks/{channel}/{agentID}", wh.Receive)
	h.router = r
	return h
}

func (h *webhookHarness) post(path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func webhookPath(ch string) string {
	return fmt.Sprintf("/webhooks/%s/%s", ch, testAgent)
}

func customerText(text string) *model.CanonicalInbound {
	return &model.CanonicalInbound{ExternalID: "ext-1", CustomerID: "cust-9", CustomerName: "Dana", Content: text}
}

func TestWebhookRejectsUnknownRoutes(t *testing.T) {
	h := newWebhookHarness(t, customerText("hi"))

	assert.Equal(t, http.StatusNotFound, h.post(webhookPath("carrier-pigeon"), "{}", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.post(webhookPath("web"), "{}", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.post(webhookPath("sms"), "{}", nil).Code, "no sms connection")
	assert.Zero(t, h.dispatcher.calls())
}

func TestWebhookAcceptsAndRepliesOutOfBand(t *testing.T) {
	h := newWebhookHarness(t, customerText("where is my order?"))

	rec := h.post(webhookPath("telegram"), `{"update_id":1}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())

	require.Len(t, h.dispatcher.got, 1)
	in := h.dispatcher.got[0]
	assert.Equal(t, testAgent, in.AgentID)
	assert.Equal(t, model.ChannelTelegram, in.Channel)
	assert.Equal(t, "where is my order?", in.Content)

	require.Len(t, h.sender.sent, 1)
	out := h.sender.sent[0]
	assert.Equal(t, testAgent, out.AgentID)
	assert.Equal(t, model.ChannelTelegram, out.Channel)
	assert.Equal(t, "cust-9", out.CustomerID)
	assert.Equal(t, testWorkspace, out.WorkspaceID)
	assert.Equal(t, "Here to help", out.Content)
}

func TestWebhookIgnoresPayloadsWithoutText(t *testing.T) {
	h := newWebhookHarness(t, nil)

	rec := h.post(webhookPath("telegram"), `{"update_id":2}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
	assert.Zero(t, h.dispatcher.calls())
	assert.Empty(t, h.sender.sent)
}

func TestWebhookSignature(t *testing.T) {
	h := newWebhookHarness(t, customerText("hello"))

	rec := h.post(webhookPath("slack"), `{"type":"event_callback"}`, http.Header{"X-Signature": {"forged"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.dispatcher.calls())

	rec = h.post(webhookPath("slack"), `{"type":"event_callback"}`, http.Header{"X-Signature": {"s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.dispatcher.calls())
}

func TestWebhookAnswersSlackChallenge(t *testing.T) {
	h := newWebhookHarness(t, nil)

	rec := h.post(webhookPath("slack"), `{"type":"url_verification","challenge":"c-123"}`,
		http.Header{"X-Signature": {"s3cret"}})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "c-123", body["challenge"])
}

func TestWebhookDropsDisabledChannel(t *testing.T) {
	h := newWebhookHarness(t, customerText("hi"))
	h.dispatcher.result, h.dispatcher.err = nil, model.ErrChannelNotEnabled

	rec := h.post(webhookPath("telegram"), `{}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.sender.sent)
	assert.Empty(t, h.tasks.errs)
}

func TestWebhookApologizesOnFailure(t *testing.T) {
	h := newWebhookHarness(t, customerText("hi"))
	h.dispatcher.result, h.dispatcher.err = nil, errBoom

	h.post(webhookPath("telegram"), `{}`, nil)

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, service.ApologyReply, h.sender.sent[0].Content)
}

func TestWebhookSendsCannedReplyForInactiveAgent(t *testing.T) {
	h := newWebhookHarness(t, customerText("hi"))
	h.dispatcher.result = &service.DispatchResult{Content: service.DisabledReply, Outcome: service.OutcomeAgentInactive}
	h.dispatcher.err = model.ErrAgentInactive

	h.post(webhookPath("telegram"), `{}`, nil)

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, service.DisabledReply, h.sender.sent[0].Content)
}

func TestWebhookVoice(t *testing.T) {
	t.Run("greets a new call", func(t *testing.T) {
		h := newWebhookHarness(t, nil)
		rec := h.post(webhookPath("voice"), "CallSid=CA1", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "<Gather")
		assert.Contains(t, rec.Body.String(), voiceGreeting)
		assert.Zero(t, h.dispatcher.calls())
	})

	t.Run("speaks the reply inline", func(t *testing.T) {
		h := newWebhookHarness(t, customerText("what are your hours"))
		rec := h.post(webhookPath("voice"), "SpeechResult=hours", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Here to help")
		assert.Contains(t, rec.Body.String(), "<Gather")
		assert.Empty(t, h.sender.sent)
	})

	t.Run("hangs up on failure", func(t *testing.T) {
		h := newWebhookHarness(t, customerText("hello"))
		h.dispatcher.result, h.dispatcher.err = nil, errBoom
		rec := h.post(webhookPath("voice"), "SpeechResult=hello", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "<Hangup>")
	})
}

func TestWebhookMetaVerification(t *testing.T) {
	h := newWebhookHarness(t, nil)
	get := func(ch, query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, webhookPath(ch)+"?"+query, nil))
		return rec
	}

	rec := get("whatsapp", "hub.mode=subscribe&hub.verify_token=hub-token&hub.challenge=42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, get("whatsapp", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get("telegram", "hub.mode=subscribe").Code)
}

func twilioRouter(t *testing.T, conn *model.ChannelConnection) (chi.Router, *fakeDispatcher, *fakeSender) {
	t.Helper()
	adapters, err := channel.NewRegistry(nil, channel.Endpoints{})
	require.NoError(t, err)
	conns := &fakeConnections{conns: map[string]*model.ChannelConnection{
		testAgent + "|" + string(conn.Channel): conn,
	}}
	d := &fakeDispatcher{result: &service.DispatchResult{Content: "Here to help", Outcome: service.OutcomeReplied}}
	s := &fakeSender{}
	wh := NewWebhookHandler(conns, plainSecrets{}, adapters, d, s, &inlineTasks{}, logger.NewNop())
	r := chi.NewRouter()
	r.Post("/webhooks/{channel}/{agentID}", wh.Receive)
	return r, d, s
}

func twilioConnection(ch model.ChannelType, secret, creds string) *model.ChannelConnection {
	return &model.ChannelConnection{
		ID: "conn-" + string(ch), WorkspaceID: testWorkspace, AgentID: testAgent,
		Channel: ch, Enabled: true, Credentials: creds, WebhookSecret: secret,
	}
}

func TestWebhookRejectsUnsignedTwilioRequests(t *testing.T) {
	form := url.Values{"From": {"+15550001111"}, "Body": {"forged"}, "MessageSid": {"SM1"}}
	path := webhookPath("sms")

	t.Run("missing signature", func(t *testing.T) {
		r, d, s := twilioRouter(t, twilioConnection(model.ChannelSMS, "twilio-auth-token", ""))
		rec := serve(r, http.MethodPost, path, form.Encode(), nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, d.calls())
		assert.Empty(t, s.sent)
	})

	t.Run("forged signature", func(t *testing.T) {
		r, d, _ := twilioRouter(t, twilioConnection(model.ChannelSMS, "twilio-auth-token", ""))
		sig := channel.TwilioSignature("guessed", "http://example.com"+path, form)
		rec := serve(r, http.MethodPost, path, form.Encode(), http.Header{channel.TwilioSignatureHeader: {sig}})

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, d.calls())
	})

	t.Run("no secret configured", func(t *testing.T) {
		r, d, _ := twilioRouter(t, twilioConnection(model.ChannelSMS, "", ""))
		sig := channel.TwilioSignature("", "http://example.com"+path, form)
		rec := serve(r, http.MethodPost, path, form.Encode(), http.Header{channel.TwilioSignatureHeader: {sig}})

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, d.calls())
	})

	t.Run("voice", func(t *testing.T) {
		r, d, _ := twilioRouter(t, twilioConnection(model.ChannelVoice, "twilio-auth-token", ""))
		rec := serve(r, http.MethodPost, webhookPath("voice"), "From=%2B15550001111&SpeechResult=hi", nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, d.calls())
	})
}

func TestWebhookAcceptsSignedTwilioRequests(t *testing.T) {
	form := url.Values{"From": {"+15550001111"}, "Body": {"where is my order"}, "MessageSid": {"SM1"}}
	path := webhookPath("sms")

	t.Run("webhook secret", func(t *testing.T) {
		r, d, s := twilioRouter(t, twilioConnection(model.ChannelSMS, "twilio-auth-token", ""))
		sig := channel.TwilioSignature("twilio-auth-token", "http://example.com"+path, form)
		rec := serve(r, http.MethodPost, path, form.Encode(), http.Header{channel.TwilioSignatureHeader: {sig}})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())
		assert.Equal(t, 1, d.calls())
		require.Len(t, s.sent, 1)
		assert.Equal(t, "+15550001111", s.sent[0].CustomerID)
	})

	t.Run("auth token credential", func(t *testing.T) {
		r, d, _ := twilioRouter(t, twilioConnection(model.ChannelSMS, "", `{"account_sid":"AC1","auth_token":"tok-from-creds","from":"+1999"}`))
		sig := channel.TwilioSignature("tok-from-creds", "http://example.com"+path, form)
		rec := serve(r, http.MethodPost, path, form.Encode(), http.Header{channel.TwilioSignatureHeader: {sig}})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, d.calls())
	})
}
