package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

const maxWebhookBytes = 1 << 20

const voiceGreeting = "Hi, thanks for calling. How can I help you today?"

// ConnectionLookup finds the connection a webhook is addressed to.
type ConnectionLookup interface {
	GetAgentChannelConnection(ctx context.Context, agentID string, ch model.ChannelType) (*model.ChannelConnection, error)
}

// Secrets opens encrypted connection secrets.
type Secrets interface {
	Decrypt(encoded string) (string, error)
	DecryptMap(encoded string) (map[string]string, error)
}

// AdapterRegistry resolves channel adapters.
type AdapterRegistry interface {
	Get(ct model.ChannelType) (channel.Adapter, error)
}

// MessageDispatcher answers canonical inbound messages.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, in *model.InboundMessage) (*service.DispatchResult, error)
}

// ReplySender delivers replies to a channel.
type ReplySender interface {
	SendMessage(ctx context.Context, msg service.OutboundMessage) error
}

// BackgroundRunner runs detached work.
type BackgroundRunner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// WebhookHandler receives provider webhooks for every non-web channel.
type WebhookHandler struct {
	connections ConnectionLookup
	secrets     Secrets
	adapters    AdapterRegistry
	dispatcher  MessageDispatcher
	sender      ReplySender
	tasks       BackgroundRunner
	logger      *logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(
	connections ConnectionLookup,
	secrets Secrets,
	adapters AdapterRegistry,
	dispatcher MessageDispatcher,
	sender ReplySender,
	tasks BackgroundRunner,
	log *logger.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		connections: connections,
		secrets:     secrets,
		adapters:    adapters,
		dispatcher:  dispatcher,
		sender:      sender,
		tasks:       tasks,
		logger:      log.Component("webhooks"),
	}
}

// resolve loads the channel, adapter and connection named by the route.
func (h *WebhookHandler) resolve(w http.ResponseWriter, r *http.Request) (model.ChannelType, channel.Adapter, *model.ChannelConnection, bool) {
	ch, err := model.ParseChannelType(chi.URLParam(r, "channel"))
	if err != nil || ch == model.ChannelWeb {
		writeError(w, http.StatusNotFound, "unknown channel")
		return "", nil, nil, false
	}
	adapter, err := h.adapters.Get(ch)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return "", nil, nil, false
	}
	conn, err := h.connections.GetAgentChannelConnection(r.Context(), chi.URLParam(r, "agentID"), ch)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown connection")
		} else {
			h.logger.Error("Failed to load connection", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return "", nil, nil, false
	}
	return ch, adapter, conn, true
}

// Verify handles GET /webhooks/{channel}/{agentID}, the Meta subscription
// handshake. The verify token is the connection's "verify_token" credential.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ch, _, conn, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if ch != model.ChannelWhatsApp && ch != model.ChannelMessenger {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	creds, err := h.secrets.DecryptMap(conn.Credentials)
	want := creds["verify_token"]
	if err != nil || want == "" || q.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(want)) != 1 {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// Receive handles POST /webhooks/{channel}/{agentID}.
//
// Text channels are acknowledged immediately and answered out of band.
// Voice is answered inline with TwiML.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ch, adapter, conn, ok := h.resolve(w, r)
	if !ok {
		return
	}
	log := h.logger.With(
		zap.String("channel", string(ch)),
		zap.String("agent_id", conn.AgentID),
		zap.String("workspace_id", conn.WorkspaceID),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := h.verify(r, adapter, conn, body); err != nil {
		if errors.Is(err, channel.ErrInvalidSignature) {
			log.Warn("Rejected webhook signature", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid signature")
		} else {
			log.Error("Failed to open webhook secret", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if ch == model.ChannelSlack {
		var env channel.SlackEnvelope
		if json.Unmarshal(body, &env) == nil && env.Type == "url_verification" {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
			return
		}
	}

	parsed := adapter.ParseInbound(body)
	if ch == model.ChannelVoice {
		h.answerCall(w, r, log, conn, parsed)
		return
	}
	if parsed == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	in := &model.InboundMessage{AgentID: conn.AgentID, Channel: ch, CanonicalInbound: *parsed}
	h.tasks.Go("webhook_reply", func(ctx context.Context) error {
		text, err := h.replyText(ctx, log, in)
		if errors.Is(err, errDropped) {
			return nil
		}
		return h.sender.SendMessage(ctx, service.OutboundMessage{
			AgentID:     conn.AgentID,
			Channel:     ch,
			CustomerID:  in.CustomerID,
			Content:     text,
			WorkspaceID: conn.WorkspaceID,
			Metadata:    in.Metadata,
		})
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verify checks the provider signature. Header-signed channels are checked
// when the connection has a webhook secret. Twilio channels are always
// checked, keyed by the webhook secret or else the auth_token credential.
func (h *WebhookHandler) verify(r *http.Request, adapter channel.Adapter, conn *model.ChannelConnection, body []byte) error {
	switch v := adapter.(type) {
	case channel.RequestVerifier:
		secret, err := h.twilioSecret(conn)
		if err != nil {
			return err
		}
		return v.VerifyRequest(r, body, secret)
	case channel.SignatureVerifier:
		if conn.WebhookSecret == "" {
			return nil
		}
		secret, err := h.secrets.Decrypt(conn.WebhookSecret)
		if err != nil {
			return err
		}
		return v.VerifySignature(body, v.SignatureFrom(r.Header), secret)
	}
	return nil
}

func (h *WebhookHandler) twilioSecret(conn *model.ChannelConnection) (string, error) {
	if conn.WebhookSecret != "" {
		return h.secrets.Decrypt(conn.WebhookSecret)
	}
	if conn.Credentials == "" {
		return "", nil
	}
	creds, err := h.secrets.DecryptMap(conn.Credentials)
	if err != nil {
		return "", err
	}
	return creds["auth_token"], nil
}

func (h *WebhookHandler) answerCall(w http.ResponseWriter, r *http.Request, log *logger.Logger, conn *model.ChannelConnection, parsed *model.CanonicalInbound) {
	var (
		twiml []byte
		err   error
	)
	switch {
	case parsed == nil:
		twiml, err = channel.VoiceReply(voiceGreeting, r.URL.Path)
	default:
		in := &model.InboundMessage{AgentID: conn.AgentID, Channel: model.ChannelVoice, CanonicalInbound: *parsed}
		text, rerr := h.replyText(r.Context(), log, in)
		if rerr == nil {
			twiml, err = channel.VoiceReply(text, r.URL.Path)
		} else {
			twiml, err = channel.VoiceHangup(service.ApologyReply)
		}
	}
	if err != nil {
		log.Error("Failed to render TwiML", zap.Error(err))
		twiml, _ = channel.VoiceHangup(service.ApologyReply)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(twiml)
}

// errDropped marks a message that gets no reply.
var errDropped = errors.New("message dropped")

// replyText runs the pipeline and picks what to say back. On failure it
// returns the apology together with the error; errDropped means nothing
// should be sent.
func (h *WebhookHandler) replyText(ctx context.Context, log *logger.Logger, in *model.InboundMessage) (string, error) {
	res, err := h.dispatcher.Dispatch(ctx, in)
	switch {
	case err == nil:
		return res.Content, nil
	case errors.Is(err, model.ErrChannelNotEnabled):
		log.Info("Dropped message for disabled channel")
		return "", errDropped
	case errors.Is(err, model.ErrAgentInactive) && res != nil:
		return res.Content, nil
	default:
		log.Error("Failed to answer message", zap.Error(err))
		return service.ApologyReply, err
	}
}
