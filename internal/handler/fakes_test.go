package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/capitalize-ai/omnichannel-agent/internal/channel"
	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
)

const (
	testWorkspace = "ws-1"
	testAgent     = "6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f"
	testConv      = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
)

// withWorkspace stands in for the JWT middleware.
func withWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := &middleware.Claims{WorkspaceID: testWorkspace}
		next.ServeHTTP(w, r.WithContext(middleware.WithClaims(r.Context(), claims)))
	})
}

type fakeConnections struct {
	conns map[string]*model.ChannelConnection
	err   error
}

func (f *fakeConnections) GetAgentChannelConnection(_ context.Context, agentID string, ch model.ChannelType) (*model.ChannelConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.conns[agentID+"|"+string(ch)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

// plainSecrets treats ciphertext as plaintext; maps are JSON.
type plainSecrets struct{}

func (plainSecrets) Decrypt(encoded string) (string, error) { return encoded, nil }

func (plainSecrets) DecryptMap(encoded string) (map[string]string, error) {
	m := map[string]string{}
	if encoded == "" {
		return m, nil
	}
	err := json.Unmarshal([]byte(encoded), &m)
	return m, err
}

type stubAdapter struct {
	ct     model.ChannelType
	parsed *model.CanonicalInbound
}

func (a *stubAdapter) Type() model.ChannelType { return a.ct }

func (a *stubAdapter) ParseInbound([]byte) *model.CanonicalInbound {
	if a.parsed == nil {
		return nil
	}
	cp := *a.parsed
	return &cp
}

func (a *stubAdapter) Send(context.Context, string, string, channel.Credentials, map[string]string) error {
	return nil
}

// signedAdapter accepts requests whose X-Signature header equals the secret.
type signedAdapter struct {
	stubAdapter
}

func (a *signedAdapter) SignatureFrom(h http.Header) string { return h.Get("X-Signature") }

func (a *signedAdapter) VerifySignature(_ []byte, signature, secret string) error {
	if signature != secret {
		return channel.ErrInvalidSignature
	}
	return nil
}

type stubAdapters map[model.ChannelType]channel.Adapter

func (s stubAdapters) Get(ct model.ChannelType) (channel.Adapter, error) {
	a, ok := s[ct]
	if !ok {
		return nil, model.ErrUnsupportedChannel
	}
	return a, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	result *service.DispatchResult
	err    error
	tokens []string
	got    []*model.InboundMessage
}

func (d *fakeDispatcher) Dispatch(_ context.Context, in *model.InboundMessage) (*service.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, in)
	return d.result, d.err
}

func (d *fakeDispatcher) DispatchStream(ctx context.Context, in *model.InboundMessage, sink service.Sink) (*service.DispatchResult, error) {
	for i, tok := range d.tokens {
		if err := sink(tok, i); err != nil {
			return nil, err
		}
	}
	return d.Dispatch(ctx, in)
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []service.OutboundMessage
	err  error
}

func (s *fakeSender) SendMessage(_ context.Context, msg service.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

// inlineTasks runs background work before returning.
type inlineTasks struct {
	errs []error
}

func (t *inlineTasks) Go(_ string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		t.errs = append(t.errs, err)
	}
}

type fakeSubscriber struct {
	events    []model.RealtimeEvent
	after     uint64
	workspace string
	err       error
}

func (f *fakeSubscriber) SubscribeWorkspace(ctx context.Context, workspaceID string, afterSequence uint64) (<-chan model.RealtimeEvent, error) {
	f.workspace = workspaceID
	return f.Subscribe(ctx, workspaceID, "", afterSequence)
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _, _ string, afterSequence uint64) (<-chan model.RealtimeEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.after = afterSequence
	ch := make(chan model.RealtimeEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeStreamStore struct {
	agents        map[string]*model.Agent
	conversations map[string]*model.Conversation
}

func (f *fakeStreamStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, model.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeStreamStore) GetConversation(_ context.Context, workspaceID, id string) (*model.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, model.ErrNotFound
	}
	return c, nil
}

type fakeMessages struct {
	msg *model.Message
	err error
}

func (f *fakeMessages) GetMessages(context.Context, string, string, int, int) (*model.ListMessagesResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.ListMessagesResponse{Messages: []model.Message{*f.msg}}, nil
}

func (f *fakeMessages) Reply(_ context.Context, _, conversationID, content string) (*model.Message, error) {
	if f.msg == nil {
		return nil, f.err
	}
	m := *f.msg
	m.ConversationID = conversationID
	m.Content = content
	return &m, f.err
}

type fakeCredits struct {
	balance  int
	entries  []model.LedgerEntry
	enqueued []any
	queues   []string
	err      error
}

func (f *fakeCredits) GetBalance(context.Context, string) (int, error) { return f.balance, f.err }

func (f *fakeCredits) ListLedgerEntries(context.Context, string, int) ([]model.LedgerEntry, error) {
	return f.entries, f.err
}

func (f *fakeCredits) Enqueue(_ context.Context, queue string, payload any, _ nats.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.queues = append(f.queues, queue)
	f.enqueued = append(f.enqueued, payload)
	return "job-1", nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

var errBoom = errors.New("boom")
