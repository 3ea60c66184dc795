package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// ErrDeliveryDeferred means a reply was stored but the provider send failed
// and has been queued for retry.
var ErrDeliveryDeferred = errors.New("delivery deferred")

// MessageStore is the persistence behind the operator message API.
type MessageStore interface {
	GetConversation(ctx context.Context, workspaceID, id string) (*model.Conversation, error)
	InsertMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, conversationID string, limit, offset int) (*model.ListMessagesResponse, error)
}

// OutboundSender delivers a reply on the customer's channel.
type OutboundSender interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
}

// MessageService handles message operations for dashboard users.
type MessageService struct {
	store  MessageStore
	sender OutboundSender
	events Publisher
	logger *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(store MessageStore, sender OutboundSender, events Publisher, log *logger.Logger) *MessageService {
	return &MessageService{store: store, sender: sender, events: events, logger: log.Component("messages")}
}

// GetMessages retrieves a page of a conversation's messages, oldest first.
func (s *MessageService) GetMessages(ctx context.Context, workspaceID, conversationID string, limit, offset int) (*model.ListMessagesResponse, error) {
	if _, err := s.store.GetConversation(ctx, workspaceID, conversationID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	resp, err := s.store.ListMessages(ctx, conversationID, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return resp, nil
}

// Reply stores an operator reply and sends it to the customer. If the send
// fails the stored message is returned with an error wrapping
// ErrDeliveryDeferred.
func (s *MessageService) Reply(ctx context.Context, workspaceID, conversationID, content string) (*model.Message, error) {
	conv, err := s.store.GetConversation(ctx, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{ConversationID: conv.ID, Role: model.RoleAssistant, Content: content}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}

	log := s.logger.WithConversation(workspaceID, conv.AgentID, conv.ID)
	if ev, err := model.NewEvent(model.EventMessageCreated, workspaceID, conv.ID, msg); err == nil {
		if err := s.events.Publish(ctx, ev); err != nil {
			log.Warn("Failed to publish operator reply", zap.Error(err))
		}
	}

	err = s.sender.SendMessage(ctx, OutboundMessage{
		AgentID:     conv.AgentID,
		Channel:     conv.Channel,
		CustomerID:  conv.CustomerID,
		Content:     content,
		WorkspaceID: workspaceID,
		Metadata:    conv.Metadata,
	})
	if err != nil {
		log.Warn("Operator reply not delivered yet", zap.Error(err))
		return msg, fmt.Errorf("%w: %w", ErrDeliveryDeferred, err)
	}
	return msg, nil
}
