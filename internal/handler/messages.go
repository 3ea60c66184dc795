package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// Messages is the operator message API.
type Messages interface {
	GetMessages(ctx context.Context, workspaceID, conversationID string, limit, offset int) (*model.ListMessagesResponse, error)
	Reply(ctx context.Context, workspaceID, conversationID, content string) (*model.Message, error)
}

// ReplyRequest is an operator reply.
type ReplyRequest struct {
	Content string `json:"content" validate:"required,max=8000"`
}

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service Messages
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc Messages, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.GetMessages(ctx, middleware.GetWorkspaceID(ctx), conversationID,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("failed to get messages", zap.Error(err))
		}
		writeError(w, statusFor(err), "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Reply handles POST /api/v1/conversations/{id}/messages. A reply whose
// delivery was deferred to the retry queue answers 202.
func (h *MessageHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ReplyRequest
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.Reply(ctx, middleware.GetWorkspaceID(ctx), conversationID, req.Content)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, msg)
	case errors.Is(err, service.ErrDeliveryDeferred):
		writeJSON(w, http.StatusAccepted, msg)
	default:
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("failed to send reply", zap.Error(err))
		}
		writeError(w, statusFor(err), "failed to send reply")
	}
}
