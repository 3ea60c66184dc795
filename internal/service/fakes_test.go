package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/confidence"
	"github.com/capitalize-ai/omnichannel-agent/internal/handoff"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
)

// memStore is an in-memory stand-in for the Postgres store.
type memStore struct {
	mu            sync.Mutex
	seq           int
	agents        map[string]*model.Agent
	enabled       map[string]bool
	connections   map[string]*model.ChannelConnection
	agentConns    map[string]*model.ChannelConnection
	conversations map[string]*model.Conversation
	messages      []model.Message
	tags          map[string][]string
	turns         []model.TurnAnalytics
	historyErr    error
}

func newMemStore(agents ...*model.Agent) *memStore {
	s := &memStore{
		agents:        map[string]*model.Agent{},
		enabled:       map[string]bool{},
		connections:   map[string]*model.ChannelConnection{},
		agentConns:    map[string]*model.ChannelConnection{},
		conversations: map[string]*model.Conversation{},
		tags:          map[string][]string{},
	}
	for _, a := range agents {
		s.agents[a.ID] = a
	}
	return s
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func (s *memStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, model.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) IsChannelEnabled(_ context.Context, agentID string, ch model.ChannelType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[agentID+"|"+string(ch)], nil
}

func (s *memStore) GetAgentChannelConnection(_ context.Context, agentID string, ch model.ChannelType) (*model.ChannelConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.agentConns[agentID+"|"+string(ch)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

func (s *memStore) GetChannelConnection(_ context.Context, ws string, ch model.ChannelType) (*model.ChannelConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[ws+"|"+string(ch)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ResolveOrCreateConversation(_ context.Context, p model.ResolveConversationParams) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.AgentID == p.AgentID && c.Channel == p.Channel && c.CustomerID == p.CustomerID && c.Status.Active() {
			cp := *c
			return &cp, false, nil
		}
	}
	c := &model.Conversation{
		ID:           s.nextID("c"),
		WorkspaceID:  p.WorkspaceID,
		AgentID:      p.AgentID,
		Channel:      p.Channel,
		ExternalID:   p.ExternalID,
		CustomerID:   p.CustomerID,
		CustomerName: p.CustomerName,
		Status:       model.ConversationOpen,
		Metadata:     p.Metadata,
		CreatedAt:    time.Now(),
	}
	s.conversations[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (s *memStore) GetConversation(_ context.Context, ws, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.WorkspaceID != ws {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListConversations(_ context.Context, f model.ListConversationsFilter) (*model.ListConversationsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &model.ListConversationsResponse{}
	for _, c := range s.conversations {
		if c.WorkspaceID == f.WorkspaceID && (f.Status == "" || c.Status == f.Status) {
			resp.Conversations = append(resp.Conversations, *c)
		}
	}
	return resp, nil
}

func (s *memStore) UpdateConversationStatus(_ context.Context, id string, st model.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.ErrNotFound
	}
	c.Status = st
	return nil
}

func (s *memStore) MergeConversationTags(_ context.Context, id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[id] = append(s.tags[id], tags...)
	return nil
}

func (s *memStore) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID("m")
	m.CreatedAt = time.Now()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *memStore) ListRecentMessages(_ context.Context, convID, excludeID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == convID && m.ID != excludeID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) ListMessages(_ context.Context, convID string, limit, offset int) (*model.ListMessagesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return &model.ListMessagesResponse{Messages: out, HasMore: hasMore}, nil
}

func (s *memStore) RecordTurn(_ context.Context, a model.TurnAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, a)
	return nil
}

func (s *memStore) allMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

func (s *memStore) conversationTags(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags[id]...)
}

type deduction struct {
	amount int
	reason model.LedgerReason
	ref    string
}

type fakeLedger struct {
	mu         sync.Mutex
	balance    int
	balanceErr error
	deductions []deduction
}

func (l *fakeLedger) GetBalance(context.Context, string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, l.balanceErr
}

func (l *fakeLedger) Deduct(_ context.Context, ws string, amount int, reason model.LedgerReason, ref *string) (*model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < amount {
		return nil, model.ErrInsufficientCredits
	}
	l.balance -= amount
	d := deduction{amount: amount, reason: reason}
	if ref != nil {
		d.ref = *ref
	}
	l.deductions = append(l.deductions, d)
	return &model.LedgerEntry{WorkspaceID: ws, Delta: -amount, Reason: reason, BalanceAfter: l.balance}, nil
}

func (l *fakeLedger) charged() []deduction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]deduction(nil), l.deductions...)
}

type fakeRetriever struct {
	passages []model.Passage
	err      error
}

func (r fakeRetriever) Retrieve(context.Context, string, string) ([]model.Passage, error) {
	return r.passages, r.err
}

type fixedScorer struct{ scores confidence.Scores }

func (s fixedScorer) Score(context.Context, string, string, []model.Passage) confidence.Scores {
	return s.scores
}

type fakeEscalator struct {
	mu       sync.Mutex
	requests []handoff.Request
}

func (e *fakeEscalator) Trigger(_ context.Context, req handoff.Request) (*model.Handoff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return &model.Handoff{ID: "h1", Trigger: req.Trigger}, nil
}

func (e *fakeEscalator) triggered() []handoff.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]handoff.Request(nil), e.requests...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.RealtimeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *model.RealtimeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type sentMessage struct {
	recipient string
	text      string
	creds     channel.Credentials
	meta      map[string]string
}

type fakeAdapter struct {
	ct   model.ChannelType
	err  error
	mu   sync.Mutex
	sent []sentMessage
}

func (a *fakeAdapter) Type() model.ChannelType { return a.ct }

func (a *fakeAdapter) ParseInbound([]byte) *model.CanonicalInbound { return nil }

func (a *fakeAdapter) Send(_ context.Context, recipient, text string, creds channel.Credentials, meta map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentMessage{recipient, text, creds, meta})
	return a.err
}

type fakeAdapters map[model.ChannelType]channel.Adapter

func (f fakeAdapters) Get(ct model.ChannelType) (channel.Adapter, error) {
	a, ok := f[ct]
	if !ok {
		return nil, model.ErrUnsupportedChannel
	}
	return a, nil
}

type plainSecrets struct{}

func (plainSecrets) DecryptMap(sealed string) (map[string]string, error) {
	if sealed == "" {
		return nil, fmt.Errorf("empty credentials")
	}
	return map[string]string{"access_token": sealed}, nil
}

type enqueued struct {
	queue   string
	payload any
	opts    nats.JobOptions
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, queue string, payload any, opts nats.JobOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{queue, payload, opts})
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *fakeQueue) Run(ctx context.Context, _ string, _ int, _ nats.Handler) error {
	<-ctx.Done()
	return nil
}
