package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/omnichannel-agent/internal/confidence"
	"github.com/capitalize-ai/omnichannel-agent/internal/handoff"
	"github.com/capitalize-ai/omnichannel-agent/internal/llm"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

// Canned replies.
const (
	DisabledReply     = "This assistant is currently unavailable. Please try again later."
	OutOfHoursReply   = "Thanks for reaching out! We are closed right now and will get back to you during business hours."
	OutOfCreditsReply = "Thanks for your message. We can't answer automatically right now, a member of our team will follow up."
	ApologyReply      = "Sorry, something went wrong on our side. Please try again in a moment."
)

const (
	replyTemperature = 0.4
	replyMaxTokens   = 1024

	messageCost = 1
	taggingCost = 2

	// taggingMinConfidence gates auto-tagging of a turn.
	taggingMinConfidence = 0.6
)

// Outcome classifies how a pipeline run ended.
type Outcome string

const (
	OutcomeReplied       Outcome = "replied"
	OutcomeAgentInactive Outcome = "agent_inactive"
	OutcomeOutOfHours    Outcome = "out_of_hours"
	OutcomeOutOfCredits  Outcome = "out_of_credits"
	OutcomeCancelled     Outcome = "cancelled"
)

// Result is the outcome of one pipeline run.
type Result struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
	Content        string         `json:"content"`
	Outcome        Outcome        `json:"outcome"`
	HandedOff      bool           `json:"handed_off"`
}

// Sink receives streamed reply tokens. Returning an error stops the stream.
type Sink func(token string, index int) error

// PipelineStore is the persistence a pipeline run needs.
type PipelineStore interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ResolveOrCreateConversation(ctx context.Context, p model.ResolveConversationParams) (*model.Conversation, bool, error)
	InsertMessage(ctx context.Context, m *model.Message) error
	ListRecentMessages(ctx context.Context, conversationID, excludeID string, limit int) ([]model.Message, error)
	MergeConversationTags(ctx context.Context, id string, tags []string) error
	RecordTurn(ctx context.Context, a model.TurnAnalytics) error
}

// CreditLedger gates and charges AI usage.
type CreditLedger interface {
	GetBalance(ctx context.Context, workspaceID string) (int, error)
	Deduct(ctx context.Context, workspaceID string, amount int, reason model.LedgerReason, referenceID *string) (*model.LedgerEntry, error)
}

// Retriever finds grounding passages.
type Retriever interface {
	Retrieve(ctx context.Context, agentID, query string) ([]model.Passage, error)
}

// Scorer rates a completed reply.
type Scorer interface {
	Score(ctx context.Context, userMessage, response string, passages []model.Passage) confidence.Scores
}

// Classifier picks conversation tags.
type Classifier interface {
	Classify(ctx context.Context, userMessage, reply string, vocabulary []string) ([]string, error)
}

// Escalator records and delivers handoffs.
type Escalator interface {
	Trigger(ctx context.Context, req handoff.Request) (*model.Handoff, error)
}

// Publisher emits realtime events.
type Publisher interface {
	Publish(ctx context.Context, event *model.RealtimeEvent) error
}

// PipelineConfig wires an Orchestrator.
type PipelineConfig struct {
	Store     PipelineStore
	Ledger    CreditLedger
	Retriever Retriever
	LLM       llm.Client
	ChatModel string
	Scorer    Scorer
	Tagger    Classifier
	Handoffs  Escalator
	Events    Publisher
	Tasks     *TaskRunner
	Logger    *logger.Logger

	// Now is the clock for business hours. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs the per-message reply pipeline.
type Orchestrator struct {
	store     PipelineStore
	ledger    CreditLedger
	retriever Retriever
	llm       llm.Client
	chatModel string
	scorer    Scorer
	tagger    Classifier
	handoffs  Escalator
	events    Publisher
	tasks     *TaskRunner
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg PipelineConfig) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		retriever: cfg.Retriever,
		llm:       cfg.LLM,
		chatModel: cfg.ChatModel,
		scorer:    cfg.Scorer,
		tagger:    cfg.Tagger,
		handoffs:  cfg.Handoffs,
		events:    cfg.Events,
		tasks:     cfg.Tasks,
		logger:    cfg.Logger.Component("pipeline"),
		tracer:    otel.Tracer("github.com/capitalize-ai/omnichannel-agent/internal/service"),
		now:       now,
	}
}

// Run answers one inbound message. With a nil sink the reply is generated in
// one call; otherwise tokens are streamed to sink as they arrive.
//
// If ctx is cancelled while streaming, the partial reply is still persisted
// and charged, and returned together with the cancellation error.
func (o *Orchestrator) Run(ctx context.Context, in *model.InboundMessage, sink Sink) (res *Result, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("agent_id", in.AgentID),
		attribute.String("channel", string(in.Channel)),
		attribute.Bool("streaming", sink != nil),
	))
	defer func() {
		outcome := "error"
		if res != nil {
			outcome = string(res.Outcome)
			span.SetAttributes(attribute.String("outcome", outcome))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordTurn(string(in.Channel), outcome, time.Since(start).Seconds())
		span.End()
	}()

	agent, err := o.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if !agent.Active() {
		return &Result{Content: DisabledReply, Outcome: OutcomeAgentInactive}, nil
	}

	conv, userMsg, err := o.recordInbound(ctx, agent, in)
	if err != nil {
		return nil, err
	}
	log := o.logger.WithConversation(conv.WorkspaceID, agent.ID, conv.ID)
	span.SetAttributes(attribute.String("conversation_id", conv.ID))

	if agent.Hours.Enabled && !agent.Hours.IsOpen(o.now()) {
		text := agent.Hours.OutOfHoursMessage
		if text == "" {
			text = OutOfHoursReply
		}
		return o.cannedReply(ctx, log, conv, text, OutcomeOutOfHours)
	}

	if balance, err := o.ledger.GetBalance(ctx, conv.WorkspaceID); err != nil {
		// Fail open: a broken balance read must not silence the agent.
		o.sideEffectFailed(ctx, log, "credit_check", err)
	} else if balance < messageCost {
		return o.cannedReply(ctx, log, conv, OutOfCreditsReply, OutcomeOutOfCredits)
	}

	passages, history, err := o.gatherContext(ctx, log, agent.ID, conv.ID, userMsg)
	if err != nil {
		return nil, err
	}

	req := &llm.CompletionRequest{
		Model:       o.chatModel,
		System:      systemPrompt(agent, in.Channel, passages),
		Messages:    append(trimHistory(history), llm.ChatMessage{Role: llm.RoleUser, Content: in.Content}),
		MaxTokens:   replyMaxTokens,
		Temperature: replyTemperature,
	}
	llmStart := time.Now()
	resp, err := o.complete(ctx, req, sink)
	latency := time.Since(llmStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil && resp != nil && resp.Content != "" {
			return o.persistPartial(ctx, log, conv, resp, latency, err)
		}
		o.publish(context.WithoutCancel(ctx), log, model.EventError, conv.WorkspaceID, conv.ID,
			model.ErrorEvent{Code: "completion_failed", Message: ApologyReply})
		return nil, fmt.Errorf("completion: %w", err)
	}

	// The reply exists now; record it even if the caller goes away.
	dctx := context.WithoutCancel(ctx)

	scores := o.score(dctx, in.Content, resp.Content, passages)
	var decision handoff.Decision
	if conv.Status != model.ConversationHandedOff {
		decision = handoff.Decide(agent.Handoff, scores, in.Content)
	}

	composite := scores.Composite
	tokens := resp.TotalTokens()
	msg := &model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        resp.Content,
		Confidence:     &composite,
		LatencyMs:      &latency,
		TokenCount:     &tokens,
	}
	if err := o.store.InsertMessage(dctx, msg); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}

	o.charge(dctx, log, conv.WorkspaceID, messageCost, model.ReasonMessageConsumed, msg.ID)
	o.recordAnalytics(dctx, log, conv, msg, decision.Escalate)

	if agent.Tagging.Enabled && composite >= taggingMinConfidence && len(agent.Tagging.Tags) > 0 {
		vocabulary := agent.Tagging.Tags
		userText, replyText := in.Content, msg.Content
		convCopy := *conv
		o.tasks.Go("auto_tag", func(ctx context.Context) error {
			return o.autoTag(ctx, log, &convCopy, userText, replyText, vocabulary, msg.ID)
		})
	}

	o.publish(dctx, log, model.EventMessageCreated, conv.WorkspaceID, conv.ID, msg)
	o.publish(dctx, log, model.EventConversationsRefresh, conv.WorkspaceID, "", map[string]string{"conversation_id": conv.ID})

	if decision.Escalate {
		hreq := handoff.Request{
			Agent:        agent,
			Conversation: conv,
			UserMessage:  in.Content,
			Trigger:      decision.Trigger,
			Confidence:   composite,
		}
		o.tasks.Go("handoff", func(ctx context.Context) error {
			_, err := o.handoffs.Trigger(ctx, hreq)
			return err
		})
	}

	log.Info("Turn completed",
		zap.Float64("confidence", composite),
		zap.Int64("latency_ms", latency),
		zap.Int("tokens", tokens),
		zap.Bool("handoff", decision.Escalate),
	)
	return &Result{
		ConversationID: conv.ID,
		Message:        msg,
		Content:        msg.Content,
		Outcome:        OutcomeReplied,
		HandedOff:      decision.Escalate,
	}, nil
}

// recordInbound resolves the conversation and persists the customer's message.
func (o *Orchestrator) recordInbound(ctx context.Context, agent *model.Agent, in *model.InboundMessage) (*model.Conversation, *model.Message, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.record_inbound")
	defer span.End()

	conv, created, err := o.store.ResolveOrCreateConversation(ctx, model.ResolveConversationParams{
		WorkspaceID:  agent.WorkspaceID,
		AgentID:      agent.ID,
		Channel:      in.Channel,
		ExternalID:   in.ExternalID,
		CustomerID:   in.CustomerID,
		CustomerName: in.CustomerName,
		Metadata:     in.Metadata,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolve conversation: %w", err)
	}

	msg := &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: in.Content}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("persist inbound message: %w", err)
	}

	log := o.logger.WithConversation(conv.WorkspaceID, agent.ID, conv.ID)
	o.publish(ctx, log, model.EventMessageCreated, conv.WorkspaceID, conv.ID, msg)
	if created {
		o.publish(ctx, log, model.EventConversationsRefresh, conv.WorkspaceID, "", map[string]string{"conversation_id": conv.ID})
	}
	return conv, msg, nil
}

// gatherContext loads passages and history concurrently. Retrieval failures
// degrade to no passages.
func (o *Orchestrator) gatherContext(ctx context.Context, log *logger.Logger, agentID, conversationID string, userMsg *model.Message) ([]model.Passage, []model.Message, error) {
	var (
		passages []model.Passage
		history  []model.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctx, span := o.tracer.Start(gctx, "pipeline.retrieve")
		defer span.End()
		p, err := o.retriever.Retrieve(ctx, agentID, userMsg.Content)
		if err != nil {
			o.sideEffectFailed(ctx, log, "retrieval", err)
			return nil
		}
		span.SetAttributes(attribute.Int("passages", len(p)))
		passages = p
		return nil
	})
	g.Go(func() error {
		h, err := o.store.ListRecentMessages(gctx, conversationID, userMsg.ID, historyMessages)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return passages, history, nil
}

func (o *Orchestrator) complete(ctx context.Context, req *llm.CompletionRequest, sink Sink) (*llm.CompletionResponse, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.complete", trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()
	if sink == nil {
		return o.llm.Complete(ctx, req)
	}
	return o.llm.CompleteStream(ctx, req, llm.StreamCallback(sink))
}

func (o *Orchestrator) score(ctx context.Context, userText, reply string, passages []model.Passage) confidence.Scores {
	ctx, span := o.tracer.Start(ctx, "pipeline.score")
	defer span.End()
	sc := o.scorer.Score(ctx, userText, reply, passages)
	span.SetAttributes(attribute.Float64("composite", sc.Composite))
	return sc
}

// persistPartial records a reply cut short by cancellation.
func (o *Orchestrator) persistPartial(ctx context.Context, log *logger.Logger, conv *model.Conversation, resp *llm.CompletionResponse, latency int64, cause error) (*Result, error) {
	dctx := context.WithoutCancel(ctx)
	tokens := resp.TotalTokens()
	msg := &model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        resp.Content,
		LatencyMs:      &latency,
		TokenCount:     &tokens,
	}
	if err := o.store.InsertMessage(dctx, msg); err != nil {
		return nil, fmt.Errorf("persist partial reply: %w", errors.Join(err, cause))
	}
	o.charge(dctx, log, conv.WorkspaceID, messageCost, model.ReasonMessageConsumed, msg.ID)
	o.publish(dctx, log, model.EventMessageCreated, conv.WorkspaceID, conv.ID, msg)

	log.Info("Stream cancelled, partial reply kept", zap.Int("length", len(msg.Content)))
	return &Result{
		ConversationID: conv.ID,
		Message:        msg,
		Content:        msg.Content,
		Outcome:        OutcomeCancelled,
	}, cause
}

// cannedReply persists a fixed assistant message without calling the model.
func (o *Orchestrator) cannedReply(ctx context.Context, log *logger.Logger, conv *model.Conversation, text string, outcome Outcome) (*Result, error) {
	msg := &model.Message{ConversationID: conv.ID, Role: model.RoleAssistant, Content: text}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist canned reply: %w", err)
	}
	o.publish(ctx, log, model.EventMessageCreated, conv.WorkspaceID, conv.ID, msg)
	o.publish(ctx, log, model.EventConversationsRefresh, conv.WorkspaceID, "", map[string]string{"conversation_id": conv.ID})

	log.Info("Canned reply sent", zap.String("outcome", string(outcome)))
	return &Result{ConversationID: conv.ID, Message: msg, Content: text, Outcome: outcome}, nil
}

// charge deducts credits. Accounting failures never block the reply.
func (o *Orchestrator) charge(ctx context.Context, log *logger.Logger, workspaceID string, amount int, reason model.LedgerReason, referenceID string) {
	if _, err := o.ledger.Deduct(ctx, workspaceID, amount, reason, &referenceID); err != nil {
		log.Error("Credit deduction failed",
			zap.String("reason", string(reason)),
			zap.Int("amount", amount),
			zap.Error(err),
		)
		metrics.RecordSideEffectFailure("credit_deduct")
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

func (o *Orchestrator) recordAnalytics(ctx context.Context, log *logger.Logger, conv *model.Conversation, msg *model.Message, handedOff bool) {
	a := model.TurnAnalytics{
		WorkspaceID:    conv.WorkspaceID,
		AgentID:        conv.AgentID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Channel:        conv.Channel,
		LatencyMs:      *msg.LatencyMs,
		Confidence:     *msg.Confidence,
		TokenCount:     *msg.TokenCount,
		HandedOff:      handedOff,
		CreatedAt:      msg.CreatedAt,
	}
	if err := o.store.RecordTurn(ctx, a); err != nil {
		o.sideEffectFailed(ctx, log, "analytics", err)
	}
}

func (o *Orchestrator) autoTag(ctx context.Context, log *logger.Logger, conv *model.Conversation, userText, reply string, vocabulary []string, messageID string) error {
	tags, err := o.tagger.Classify(ctx, userText, reply, vocabulary)
	if err != nil {
		return fmt.Errorf("classify tags: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}
	if err := o.store.MergeConversationTags(ctx, conv.ID, tags); err != nil {
		return fmt.Errorf("merge tags: %w", err)
	}
	o.charge(ctx, log, conv.WorkspaceID, taggingCost, model.ReasonTaggingConsumed, messageID)
	o.publish(ctx, log, model.EventConversationUpdated, conv.WorkspaceID, conv.ID,
		map[string]any{"id": conv.ID, "tags": tags})
	log.Debug("Conversation tagged", zap.Strings("tags", tags))
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, log *logger.Logger, eventType model.EventType, workspaceID, conversationID string, payload any) {
	ev, err := model.NewEvent(eventType, workspaceID, conversationID, payload)
	if err == nil {
		err = o.events.Publish(ctx, ev)
	}
	if err != nil {
		log.Warn("Failed to publish realtime event", zap.String("type", string(eventType)), zap.Error(err))
	}
}

func (o *Orchestrator) sideEffectFailed(ctx context.Context, log *logger.Logger, step string, err error) {
	log.Warn("Best-effort step failed", zap.String("step", step), zap.Error(err))
	metrics.RecordSideEffectFailure(step)
	trace.SpanFromContext(ctx).RecordError(err)
}
