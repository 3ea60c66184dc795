package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

const (
	// StreamName is the name of the realtime events stream.
	StreamName = "REALTIME"

	// SubjectPrefix is the prefix for all realtime subjects.
	SubjectPrefix = "rt"

	listToken = "list"
)

// EventStream publishes realtime events to dashboards and widgets and
// replays them to late subscribers.
type EventStream struct {
	client *Client
	logger *logger.Logger
}

// NewEventStream creates a new event stream.
func NewEventStream(client *Client, log *logger.Logger) *EventStream {
	return &EventStream{client: client, logger: log.Component("realtime")}
}

// EnsureStream ensures the realtime stream exists with proper configuration.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Realtime conversation events for dashboards and widgets",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject an event is published on.
func EventSubject(workspaceID, conversationID string, eventType model.EventType) string {
	if conversationID == "" {
		return fmt.Sprintf("%s.%s.%s", SubjectPrefix, token(workspaceID), listToken)
	}
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(workspaceID), token(conversationID), token(string(eventType)))
}

// ConversationFilter matches every event of one conversation.
func ConversationFilter(workspaceID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(workspaceID), token(conversationID))
}

// WorkspaceFilter matches every event of a workspace, including the
// conversation-list refreshes.
func WorkspaceFilter(workspaceID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, token(workspaceID))
}

// token makes s safe for use as a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publish sends an event. ID and CreatedAt are filled in when empty.
func (s *EventStream) Publish(ctx context.Context, event *model.RealtimeEvent) error {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.WorkspaceID, event.ConversationID, event.Type)
	ack, err := s.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	return nil
}

// Subscribe streams a conversation's events starting after afterSequence
// (0 replays everything retained). The channel closes when ctx is done.
func (s *EventStream) Subscribe(ctx context.Context, workspaceID, conversationID string, afterSequence uint64) (<-chan model.RealtimeEvent, error) {
	return s.subscribe(ctx, ConversationFilter(workspaceID, conversationID), afterSequence)
}

// SubscribeWorkspace streams every event of a workspace, list refreshes
// included, starting after afterSequence.
func (s *EventStream) SubscribeWorkspace(ctx context.Context, workspaceID string, afterSequence uint64) (<-chan model.RealtimeEvent, error) {
	return s.subscribe(ctx, WorkspaceFilter(workspaceID), afterSequence)
}

func (s *EventStream) subscribe(ctx context.Context, filter string, afterSequence uint64) (<-chan model.RealtimeEvent, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := s.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	out := make(chan model.RealtimeEvent, 16)
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()
	go func() {
		defer close(out)
		for {
			msg, err := iter.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					s.logger.Warn("realtime subscription ended", zap.Error(err))
				}
				return
			}

			var event model.RealtimeEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				s.logger.Warn("dropping malformed realtime event", zap.String("subject", msg.Subject()), zap.Error(err))
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				event.Sequence = meta.Sequence.Stream
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
