package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

func serve(r http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func streamFixture() (*fakeStreamStore, *fakeSubscriber) {
	store := &fakeStreamStore{
		agents: map[string]*model.Agent{testAgent: {ID: testAgent, WorkspaceID: testWorkspace}},
		conversations: map[string]*model.Conversation{testConv: {
			ID:          testConv,
			WorkspaceID: testWorkspace,
			AgentID:     testAgent,
			Channel:     model.ChannelWeb,
			CustomerID:  "v-1",
		}},
	}
	sub := &fakeSubscriber{events: []model.RealtimeEvent{{
		ID:             "ev-1",
		Type:           model.EventMessageCreated,
		WorkspaceID:    testWorkspace,
		ConversationID: testConv,
		Sequence:       7,
	}}}
	return store, sub
}

func TestDashboardStreamReplaysFromLastEventID(t *testing.T) {
	store, sub := streamFixture()
	sh := NewStreamHandler(store, sub, logger.NewNop())
	r := chi.NewRouter()
	r.With(withWorkspace).Get("/api/v1/conversations/{id}/events", sh.Dashboard)

	rec := serve(r, http.MethodGet, "/api/v1/conversations/"+testConv+"/events", "", http.Header{"Last-Event-Id": {"5"}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(5), sub.after)
	out := rec.Body.String()
	assert.Contains(t, out, "event: connected")
	assert.Contains(t, out, "id: 7\nevent: "+string(model.EventMessageCreated))
}

func TestDashboardStreamRequiresOwnConversation(t *testing.T) {
	store, sub := streamFixture()
	store.conversations[testConv].WorkspaceID = "ws-other"
	sh := NewStreamHandler(store, sub, logger.NewNop())
	r := chi.NewRouter()
	r.With(withWorkspace).Get("/api/v1/conversations/{id}/events", sh.Dashboard)

	rec := serve(r, http.MethodGet, "/api/v1/conversations/"+testConv+"/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspaceStreamCarriesListRefreshes(t *testing.T) {
	store, sub := streamFixture()
	sub.events = append(sub.events, model.RealtimeEvent{
		ID:          "ev-2",
		Type:        model.EventConversationsRefresh,
		WorkspaceID: testWorkspace,
		Sequence:    8,
	})
	sh := NewStreamHandler(store, sub, logger.NewNop())
	r := chi.NewRouter()
	r.With(withWorkspace).Get("/api/v1/conversations/events", sh.Workspace)

	rec := serve(r, http.MethodGet, "/api/v1/conversations/events?after_sequence=6", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testWorkspace, sub.workspace)
	assert.Equal(t, uint64(6), sub.after)
	out := rec.Body.String()
	assert.Contains(t, out, `"workspace_id":"`+testWorkspace+`"`)
	assert.Contains(t, out, "id: 7\nevent: "+string(model.EventMessageCreated))
	assert.Contains(t, out, "id: 8\nevent: "+string(model.EventConversationsRefresh))
}

func TestWorkspaceStreamUnavailable(t *testing.T) {
	store, sub := streamFixture()
	sub.err = errBoom
	sh := NewStreamHandler(store, sub, logger.NewNop())
	r := chi.NewRouter()
	r.With(withWorkspace).Get("/api/v1/conversations/events", sh.Workspace)

	rec := serve(r, http.MethodGet, "/api/v1/conversations/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWidgetStreamChecksVisitor(t *testing.T) {
	store, sub := streamFixture()
	sh := NewStreamHandler(store, sub, logger.NewNop())
	r := chi.NewRouter()
	r.Get("/widget/{agentID}/conversations/{id}/events", sh.Widget)
	path := fmt.Sprintf("/widget/%s/conversations/%s/events", testAgent, testConv)

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, path, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, path+"?visitor_id=v-2", "", nil).Code)

	rec := serve(r, http.MethodGet, path+"?visitor_id=v-1&after_sequence=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(3), sub.after)
}

func TestStreamUnavailable(t *testing.T) {
	store, sub := streamFixture()
	sub.err = errBoom
	sh := NewStreamHandler(store, sub, logger.NewNop())
	r := chi.NewRouter()
	r.With(withWorkspace).Get("/api/v1/conversations/{id}/events", sh.Dashboard)

	rec := serve(r, http.MethodGet, "/api/v1/conversations/"+testConv+"/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func messagesRouter(svc Messages) chi.Router {
	mh := NewMessageHandler(svc, logger.NewNop())
	r := chi.NewRouter()
	r.Use(withWorkspace)
	r.Get("/conversations/{id}/messages", mh.List)
	r.Post("/conversations/{id}/messages", mh.Reply)
	return r
}

func TestOperatorReply(t *testing.T) {
	path := "/conversations/" + testConv + "/messages"
	tmpl := &model.Message{ID: "m-1", Role: model.RoleAssistant}

	t.Run("delivered", func(t *testing.T) {
		rec := serve(messagesRouter(&fakeMessages{msg: tmpl}), http.MethodPost, path, `{"content":"On its way"}`, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "On its way")
	})

	t.Run("delivery deferred", func(t *testing.T) {
		svc := &fakeMessages{msg: tmpl, err: fmt.Errorf("%w: %w", errBoom, service.ErrDeliveryDeferred)}
		rec := serve(messagesRouter(svc), http.MethodPost, path, `{"content":"On its way"}`, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		rec := serve(messagesRouter(&fakeMessages{err: model.ErrNotFound}), http.MethodPost, path, `{"content":"hi"}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty content", func(t *testing.T) {
		rec := serve(messagesRouter(&fakeMessages{msg: tmpl}), http.MethodPost, path, `{"content":""}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := serve(messagesRouter(&fakeMessages{msg: tmpl}), http.MethodPost, "/conversations/nope/messages", `{"content":"hi"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func creditsRouter(f *fakeCredits) chi.Router {
	ch := NewCreditsHandler(f, f, f, logger.NewNop())
	r := chi.NewRouter()
	r.Use(withWorkspace)
	r.Get("/credits", ch.Balance)
	r.Get("/credits/ledger", ch.Ledger)
	r.Post("/credits/grants", ch.Grant)
	return r
}

func TestCreditsBalance(t *testing.T) {
	rec := serve(creditsRouter(&fakeCredits{balance: 42}), http.MethodGet, "/credits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"workspace_id":"ws-1","balance":42}`, rec.Body.String())

	rec = serve(creditsRouter(&fakeCredits{err: errBoom}), http.MethodGet, "/credits", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCreditsGrantQueuesJob(t *testing.T) {
	f := &fakeCredits{}
	rec := serve(creditsRouter(f), http.MethodPost, "/credits/grants", `{"amount":500,"reason":"PROMO_GRANT"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.enqueued, 1)
	assert.Equal(t, nats.QueueCreditGrant, f.queues[0])
	job := f.enqueued[0].(service.CreditGrantJob)
	assert.Equal(t, testWorkspace, job.WorkspaceID)
	assert.Equal(t, 500, job.Amount)
	assert.Equal(t, model.ReasonPromoGrant, job.Reason)
}

func TestCreditsGrantValidation(t *testing.T) {
	f := &fakeCredits{}
	for _, body := range []string{
		`{"amount":0,"reason":"PROMO_GRANT"}`,
		`{"amount":10,"reason":"MESSAGE_CONSUMED"}`,
		`{"amount":-5,"reason":"ADJUSTMENT"}`,
	} {
		rec := serve(creditsRouter(f), http.MethodPost, "/credits/grants", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, f.enqueued)
}

func TestReadiness(t *testing.T) {
	ok := NewHealthHandler(map[string]Pinger{"postgres": pinger{}, "nats": pinger{}})
	rec := httptest.NewRecorder()
	ok.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewHealthHandler(map[string]Pinger{"postgres": pinger{}, "nats": pinger{err: errBoom}})
	rec = httptest.NewRecorder()
	failing.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready","checks":{"postgres":"ok","nats":"boom"}}`, rec.Body.String())
}
