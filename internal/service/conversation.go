// Package service implements the reply pipeline and the operations around it.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ConversationStore is the persistence behind the operator conversation API.
type ConversationStore interface {
	GetConversation(ctx context.Context, workspaceID, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, f model.ListConversationsFilter) (*model.ListConversationsResponse, error)
	UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error
}

// ConversationService handles conversation operations for dashboard users.
type ConversationService struct {
	store  ConversationStore
	events Publisher
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(store ConversationStore, events Publisher, log *logger.Logger) *ConversationService {
	return &ConversationService{store: store, events: events, logger: log.Component("conversations")}
}

// Get retrieves a conversation of a workspace.
func (s *ConversationService) Get(ctx context.Context, workspaceID, conversationID string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, workspaceID, conversationID)
}

// List retrieves conversations of a workspace, newest activity first.
func (s *ConversationService) List(ctx context.Context, f model.ListConversationsFilter) (*model.ListConversationsResponse, error) {
	f.Limit = clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListConversations(ctx, f)
}

// UpdateStatus moves a conversation to status and notifies dashboards.
func (s *ConversationService) UpdateStatus(ctx context.Context, workspaceID, conversationID string, status model.ConversationStatus) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}
	if err := s.store.UpdateConversationStatus(ctx, conv.ID, status); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	conv.Status = status

	ev, err := model.NewEvent(model.EventConversationUpdated, workspaceID, conv.ID, conv)
	if err == nil {
		err = s.events.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn("Failed to publish conversation update", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	s.logger.Info("Conversation status changed",
		zap.String("conversation_id", conv.ID),
		zap.String("status", string(status)),
	)
	return conv, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
