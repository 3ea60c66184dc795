package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

const heartbeatInterval = 30 * time.Second

// EventSubscriber replays and follows realtime events.
type EventSubscriber interface {
	Subscribe(ctx context.Context, workspaceID, conversationID string, afterSequence uint64) (<-chan model.RealtimeEvent, error)
	SubscribeWorkspace(ctx context.Context, workspaceID string, afterSequence uint64) (<-chan model.RealtimeEvent, error)
}

// StreamStore authorizes event subscriptions.
type StreamStore interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetConversation(ctx context.Context, workspaceID, id string) (*model.Conversation, error)
}

// StreamHandler serves realtime conversation events over SSE.
type StreamHandler struct {
	store     StreamStore
	events    EventSubscriber
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(store StreamStore, events EventSubscriber, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		store:     store,
		events:    events,
		heartbeat: heartbeatInterval,
		logger:    log.Component("stream"),
	}
}

// afterSequence reads the resume point from Last-Event-ID or ?after_sequence.
func afterSequence(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after_sequence")
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// Dashboard handles GET /api/v1/conversations/{id}/events
func (h *StreamHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := middleware.GetWorkspaceID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.GetConversation(ctx, workspaceID, conversationID); err != nil {
		writeError(w, statusFor(err), "conversation not found")
		return
	}
	h.serve(w, r, workspaceID, conversationID)
}

// Workspace handles GET /api/v1/conversations/events, the dashboard inbox
// feed: list refreshes plus every conversation's events.
func (h *StreamHandler) Workspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	log := h.logger.With(zap.String("workspace_id", workspaceID))

	events, err := h.events.SubscribeWorkspace(r.Context(), workspaceID, afterSequence(r))
	if err != nil {
		log.Error("Failed to subscribe", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	h.pump(w, r, log, events, map[string]string{"workspace_id": workspaceID})
}

// Widget handles GET /widget/{agentID}/conversations/{id}/events?visitor_id=
// A visitor may only follow its own conversation with the agent.
func (h *StreamHandler) Widget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")
	conversationID := chi.URLParam(r, "id")
	visitorID := r.URL.Query().Get("visitor_id")

	if middleware.ValidateID(agentID) != nil || middleware.ValidateID(conversationID) != nil || visitorID == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		writeError(w, statusFor(err), "conversation not found")
		return
	}
	conv, err := h.store.GetConversation(ctx, agent.WorkspaceID, conversationID)
	if err != nil || conv.AgentID != agent.ID || conv.Channel != model.ChannelWeb || conv.CustomerID != visitorID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	h.serve(w, r, agent.WorkspaceID, conversationID)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, workspaceID, conversationID string) {
	ctx := r.Context()
	log := h.logger.With(zap.String("conversation_id", conversationID))

	events, err := h.events.Subscribe(ctx, workspaceID, conversationID, afterSequence(r))
	if err != nil {
		log.Error("Failed to subscribe", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "realtime unavailable")
		return
	}
	h.pump(w, r, log, events, map[string]string{"conversation_id": conversationID})
}

// pump writes events as SSE until the client leaves or the feed closes.
func (h *StreamHandler) pump(w http.ResponseWriter, r *http.Request, log *logger.Logger, events <-chan model.RealtimeEvent, hello map[string]string) {
	ctx := r.Context()
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", hello)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("id: " + strconv.FormatUint(ev.Sequence, 10) + "\n")); err != nil {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}
