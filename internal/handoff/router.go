package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/email"
	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/ticketing"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

const summaryQuoteLimit = 280

// Store is the persistence the Router needs.
type Store interface {
	CreateHandoff(ctx context.Context, h *model.Handoff) error
	SetHandoffTicket(ctx context.Context, handoffID, ticketID string) error
	UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error
	InsertMessage(ctx context.Context, m *model.Message) error
	GetIntegrationCredentials(ctx context.Context, workspaceID, provider string) (string, error)
	FirstAdminEmail(ctx context.Context, workspaceID string) (string, error)
}

// Decrypter opens sealed credentials.
type Decrypter interface {
	DecryptMap(sealed string) (map[string]string, error)
}

// Publisher emits realtime events.
type Publisher interface {
	Publish(ctx context.Context, event *model.RealtimeEvent) error
}

// Tickets resolves a ticketing provider by destination.
type Tickets interface {
	Get(dest model.HandoffDestination) (ticketing.Provider, error)
}

// Config wires a Router.
type Config struct {
	Store        Store
	Secrets      Decrypter
	Tickets      Tickets
	Mailer       email.Sender
	Events       Publisher
	LLM          llm.Client
	SummaryModel string
	// AppBaseURL prefixes dashboard deep links.
	AppBaseURL string
	Logger     *logger.Logger
}

// Router records escalations and delivers them to one destination.
type Router struct {
	store        Store
	secrets      Decrypter
	tickets      Tickets
	mailer       email.Sender
	events       Publisher
	llm          llm.Client
	summaryModel string
	appBaseURL   string
	logger       *logger.Logger
}

// NewRouter creates a router.
func NewRouter(cfg Config) *Router {
	return &Router{
		store:        cfg.Store,
		secrets:      cfg.Secrets,
		tickets:      cfg.Tickets,
		mailer:       cfg.Mailer,
		events:       cfg.Events,
		llm:          cfg.LLM,
		summaryModel: cfg.SummaryModel,
		appBaseURL:   strings.TrimRight(cfg.AppBaseURL, "/"),
		logger:       cfg.Logger.Component("handoff"),
	}
}

// Request describes one escalation.
type Request struct {
	Agent        *model.Agent
	Conversation *model.Conversation
	UserMessage  string
	Trigger      model.HandoffTrigger
	Confidence   float64
}

// Trigger persists the escalation, moves the conversation to HANDED_OFF and
// delivers it. Errors are returned only when nothing durable was recorded;
// delivery failures are logged.
func (r *Router) Trigger(ctx context.Context, req Request) (*model.Handoff, error) {
	conv := req.Conversation
	log := r.logger.WithConversation(conv.WorkspaceID, conv.AgentID, conv.ID).
		With(zap.String("trigger", string(req.Trigger)))

	dest := req.Agent.Handoff.Destination
	if dest == "" {
		dest = model.DestinationNone
	}

	h := &model.Handoff{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Trigger:        req.Trigger,
		Confidence:     req.Confidence,
		Summary:        r.summarize(ctx, req.UserMessage, log),
		Destination:    dest,
	}
	if err := r.store.CreateHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("create handoff: %w", err)
	}

	if err := r.store.UpdateConversationStatus(ctx, conv.ID, model.ConversationHandedOff); err != nil {
		log.Error("Failed to mark conversation handed off", zap.Error(err))
	} else {
		conv.Status = model.ConversationHandedOff
	}

	note := &model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleSystem,
		Content:        fmt.Sprintf("Conversation escalated to a human (trigger: %s, destination: %s).", req.Trigger, dest),
	}
	if err := r.store.InsertMessage(ctx, note); err != nil {
		log.Error("Failed to record handoff message", zap.Error(err))
	}

	r.publish(ctx, conv, h, note, log)

	delivery := r.deliver(ctx, req, h, log)
	metrics.HandoffsTotal.WithLabelValues(string(req.Trigger), delivery).Inc()
	log.Info("Conversation handed off",
		zap.String("handoff_id", h.ID),
		zap.String("destination", string(dest)),
		zap.String("delivery", delivery),
	)
	return h, nil
}

// summarize asks for a short summary, quoting the customer on failure.
func (r *Router) summarize(ctx context.Context, userMessage string, log *logger.Logger) string {
	resp, err := r.llm.Complete(ctx, &llm.CompletionRequest{
		Model: r.summaryModel,
		System: "Summarize this customer support escalation for a human agent in 2-3 sentences. " +
			"State what the customer needs and any details they gave. Do not add advice.",
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: userMessage}},
		MaxTokens:   200,
		Temperature: 0.2,
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}
	if err != nil {
		log.Warn("Handoff summary failed, quoting customer", zap.Error(err))
	}
	return quote(userMessage)
}

func quote(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > summaryQuoteLimit {
		s = string(r[:summaryQuoteLimit]) + "…"
	}
	return fmt.Sprintf("Customer wrote: %q", s)
}

func (r *Router) publish(ctx context.Context, conv *model.Conversation, h *model.Handoff, note *model.Message, log *logger.Logger) {
	events := make([]*model.RealtimeEvent, 0, 4)
	add := func(t model.EventType, convID string, payload any) {
		ev, err := model.NewEvent(t, conv.WorkspaceID, convID, payload)
		if err != nil {
			log.Warn("Failed to encode event", zap.String("type", string(t)), zap.Error(err))
			return
		}
		events = append(events, ev)
	}
	add(model.EventHandoffCreated, conv.ID, h)
	if note.ID != "" {
		add(model.EventMessageCreated, conv.ID, note)
	}
	add(model.EventConversationUpdated, conv.ID, conv)
	add(model.EventConversationsRefresh, "", map[string]string{"conversation_id": conv.ID})

	for _, ev := range events {
		if err := r.events.Publish(ctx, ev); err != nil {
			log.Warn("Failed to publish handoff event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

// deliver routes to the ticketing provider or the email path and returns
// the delivery label used for metrics.
func (r *Router) deliver(ctx context.Context, req Request, h *model.Handoff, log *logger.Logger) string {
	if h.Destination.Ticketing() {
		ticketID, err := r.createTicket(ctx, req, h)
		if err == nil {
			h.ExternalTicketID = &ticketID
			if err := r.store.SetHandoffTicket(ctx, h.ID, ticketID); err != nil {
				log.Error("Failed to store ticket id", zap.String("ticket_id", ticketID), zap.Error(err))
			}
			return "ticket"
		}
		log.Warn("Ticket creation failed, falling back to email",
			zap.String("destination", string(h.Destination)),
			zap.Error(err),
		)
	}

	if err := r.notify(ctx, req, h); err != nil {
		log.Error("Handoff email notification failed", zap.Error(err))
		metrics.RecordSideEffectFailure("handoff_email")
		return "failed"
	}
	if h.Destination.Ticketing() {
		return "email_fallback"
	}
	return "email"
}

func (r *Router) createTicket(ctx context.Context, req Request, h *model.Handoff) (string, error) {
	provider, err := r.tickets.Get(h.Destination)
	if err != nil {
		return "", err
	}
	sealed, err := r.store.GetIntegrationCredentials(ctx, h.WorkspaceID, ticketing.ProviderKey(h.Destination))
	if errors.Is(err, model.ErrNotFound) {
		return "", ticketing.ErrMissingCredentials
	}
	if err != nil {
		return "", err
	}
	creds, err := r.secrets.DecryptMap(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt credentials: %w", err)
	}

	conv := req.Conversation
	t := &ticketing.Ticket{
		Subject:       fmt.Sprintf("[%s] Escalation from %s", req.Agent.Name, strings.ToLower(string(conv.Channel))),
		Body:          r.body(req, h),
		RequesterName: conv.CustomerName,
		Tags:          []string{"ai-handoff", strings.ToLower(string(h.Trigger))},
	}
	if conv.Channel == model.ChannelEmail {
		t.RequesterEmail = conv.CustomerID
	}
	return provider.CreateTicket(ctx, ticketing.Credentials(creds), t)
}

func (r *Router) notify(ctx context.Context, req Request, h *model.Handoff) error {
	to, err := r.store.FirstAdminEmail(ctx, h.WorkspaceID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	return r.mailer.Send(ctx, &email.Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Handoff needed: %s conversation with %s", req.Conversation.Channel, customerLabel(req.Conversation)),
		Text:    r.body(req, h),
	})
}

func (r *Router) body(req Request, h *model.Handoff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", req.Agent.Name)
	fmt.Fprintf(&b, "Customer: %s\n", customerLabel(req.Conversation))
	fmt.Fprintf(&b, "Channel: %s\n", req.Conversation.Channel)
	fmt.Fprintf(&b, "Trigger: %s\n", h.Trigger)
	fmt.Fprintf(&b, "Confidence: %.2f\n\n", h.Confidence)
	b.WriteString(h.Summary)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Open conversation: %s/conversations/%s\n", r.appBaseURL, req.Conversation.ID)
	return b.String()
}

func customerLabel(c *model.Conversation) string {
	if c.CustomerName != "" {
		return fmt.Sprintf("%s (%s)", c.CustomerName, c.CustomerID)
	}
	return c.CustomerID
}
