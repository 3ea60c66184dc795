package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// Conversations is the operator conversation API.
type Conversations interface {
	Get(ctx context.Context, workspaceID, conversationID string) (*model.Conversation, error)
	List(ctx context.Context, f model.ListConversationsFilter) (*model.ListConversationsResponse, error)
	UpdateStatus(ctx context.Context, workspaceID, conversationID string, status model.ConversationStatus) (*model.Conversation, error)
}

// UpdateConversationRequest changes a conversation's status.
type UpdateConversationRequest struct {
	Status model.ConversationStatus `json:"status" validate:"required,oneof=OPEN RESOLVED ABANDONED"`
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service Conversations
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc Conversations, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations?status=&limit=&offset=
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f := model.ListConversationsFilter{
		WorkspaceID: middleware.GetWorkspaceID(ctx),
		Limit:       queryInt(r, "limit", 20),
		Offset:      queryInt(r, "offset", 0),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = model.ConversationStatus(s)
	}

	resp, err := h.service.List(ctx, f)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Get(ctx, middleware.GetWorkspaceID(ctx), conversationID)
	if err != nil {
		writeError(w, statusFor(err), "conversation not found")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Update handles PATCH /api/v1/conversations/{id}
func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req UpdateConversationRequest
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.UpdateStatus(ctx, middleware.GetWorkspaceID(ctx), conversationID, req.Status)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("failed to update conversation", zap.Error(err))
		}
		writeError(w, statusFor(err), "failed to update conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
