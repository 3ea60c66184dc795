package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

// WidgetDispatcher answers widget messages in batch or streaming mode.
type WidgetDispatcher interface {
	Dispatch(ctx context.Context, in *model.InboundMessage) (*service.DispatchResult, error)
	DispatchStream(ctx context.Context, in *model.InboundMessage, sink service.Sink) (*service.DispatchResult, error)
}

// WidgetHandler serves the embeddable chat widget.
type WidgetHandler struct {
	dispatcher WidgetDispatcher
	logger     *logger.Logger
}

// NewWidgetHandler creates a widget handler.
func NewWidgetHandler(dispatcher WidgetDispatcher, log *logger.Logger) *WidgetHandler {
	return &WidgetHandler{dispatcher: dispatcher, logger: log.Component("widget")}
}

func (h *WidgetHandler) decode(w http.ResponseWriter, r *http.Request) (*model.InboundMessage, bool) {
	agentID := chi.URLParam(r, "agentID")
	if err := middleware.ValidateID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	var req channel.WebInbound
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return nil, false
	}
	return &model.InboundMessage{
		AgentID: agentID,
		Channel: model.ChannelWeb,
		CanonicalInbound: model.CanonicalInbound{
			ExternalID:   req.MessageID,
			CustomerID:   req.VisitorID,
			CustomerName: req.VisitorName,
			Content:      content,
			Metadata:     req.Metadata,
		},
	}, true
}

// Send handles POST /widget/{agentID}/messages
func (h *WidgetHandler) Send(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), in)
	switch {
	case err == nil, errors.Is(err, model.ErrAgentInactive) && res != nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, model.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	default:
		h.logger.Error("Widget reply failed", zap.String("agent_id", in.AgentID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, &model.ErrorEvent{Code: "reply_failed", Message: service.ApologyReply})
	}
}

// Stream handles POST /widget/{agentID}/stream. The reply is streamed as
// token events followed by message_complete and done.
func (h *WidgetHandler) Stream(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	res, err := h.dispatcher.DispatchStream(ctx, in, func(token string, index int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sendSSEEvent(w, flusher, "token", &model.TokenEvent{Token: token, Index: index})
	})
	if ctx.Err() != nil {
		// Client went away; the partial reply has been kept server side.
		return
	}

	switch {
	case err == nil, errors.Is(err, model.ErrAgentInactive) && res != nil:
		sendSSEEvent(w, flusher, "message_complete", res)
		sendSSEEvent(w, flusher, "done", map[string]bool{"success": true})
	case errors.Is(err, model.ErrAgentNotFound):
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{Code: "agent_not_found", Message: "agent not found"})
	default:
		h.logger.Error("Widget stream failed", zap.String("agent_id", in.AgentID), zap.Error(err))
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{Code: "stream_error", Message: service.ApologyReply})
	}
}
