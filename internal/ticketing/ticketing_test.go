package ticketing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

type request struct {
	path string
	user string
	pass string
	body map[string]any
}

func helpdesk(t *testing.T, status int, reply string) (*httptest.Server, *request) {
	t.Helper()
	got := &request{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.user, got.pass, _ = r.BasicAuth()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func ticket() *Ticket {
	return &Ticket{
		Subject:        "Escalation: refund request",
		Body:           "Customer wants a refund for order 12.",
		RequesterName:  "Ana",
		RequesterEmail: "ana@example.com",
		Tags:           []string{"ai-handoff"},
	}
}

func provider(t *testing.T, dest model.HandoffDestination) Provider {
	t.Helper()
	p, err := NewRegistry(nil).Get(dest)
	require.NoError(t, err)
	return p
}

func TestZendesk_CreateTicket(t *testing.T) {
	srv, got := helpdesk(t, http.StatusCreated, `{"ticket":{"id":4521}}`)
	id, err := provider(t, model.DestinationZendesk).CreateTicket(context.Background(),
		Credentials{"base_url": srv.URL, "email": "ops@acme.test", "api_token": "zt"}, ticket())
	require.NoError(t, err)
	assert.Equal(t, "4521", id)
	assert.Equal(t, "/api/v2/tickets.json", got.path)
	assert.Equal(t, "ops@acme.test/token", got.user)
	assert.Equal(t, "zt", got.pass)
	tk := got.body["ticket"].(map[string]any)
	assert.Equal(t, "Escalation: refund request", tk["subject"])
}

func TestFreshdesk_CreateTicket(t *testing.T) {
	srv, got := helpdesk(t, http.StatusCreated, `{"id":88}`)
	id, err := provider(t, model.DestinationFreshdesk).CreateTicket(context.Background(),
		Credentials{"base_url": srv.URL, "api_key": "fk"}, ticket())
	require.NoError(t, err)
	assert.Equal(t, "88", id)
	assert.Equal(t, "/api/v2/tickets", got.path)
	assert.Equal(t, "fk", got.user)
	assert.Equal(t, "ana@example.com", got.body["email"])
}

func TestFreshdesk_RequiresRequester(t *testing.T) {
	tk := ticket()
	tk.RequesterEmail = ""
	_, err := provider(t, model.DestinationFreshdesk).CreateTicket(context.Background(),
		Credentials{"base_url": "http://unused", "api_key": "fk"}, tk)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGorgias_CreateTicket(t *testing.T) {
	srv, got := helpdesk(t, http.StatusCreated, `{"id":901}`)
	id, err := provider(t, model.DestinationGorgias).CreateTicket(context.Background(),
		Credentials{"base_url": srv.URL, "email": "ops@acme.test", "api_key": "gk"}, ticket())
	require.NoError(t, err)
	assert.Equal(t, "901", id)
	assert.Equal(t, "/api/tickets", got.path)
	msgs := got.body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Customer wants a refund for order 12.", msgs[0].(map[string]any)["body_text"])
}

func TestCreateTicket_MissingCredentials(t *testing.T) {
	for _, dest := range []model.HandoffDestination{model.DestinationZendesk, model.DestinationFreshdesk, model.DestinationGorgias} {
		_, err := provider(t, dest).CreateTicket(context.Background(), Credentials{}, ticket())
		assert.ErrorIs(t, err, ErrMissingCredentials, dest)
	}

	// Domain is needed when no base URL override is present.
	_, err := provider(t, model.DestinationZendesk).CreateTicket(context.Background(),
		Credentials{"email": "a@b.c", "api_token": "t"}, ticket())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestCreateTicket_HTTPError(t *testing.T) {
	srv, _ := helpdesk(t, http.StatusUnauthorized, `{"error":"Couldn't authenticate you"}`)
	_, err := provider(t, model.DestinationZendesk).CreateTicket(context.Background(),
		Credentials{"base_url": srv.URL, "email": "a@b.c", "api_token": "bad"}, ticket())
	assert.ErrorContains(t, err, "status 401")
}

func TestRegistry(t *testing.T) {
	_, err := NewRegistry(nil).Get(model.DestinationEmailQueue)
	assert.Error(t, err)
	assert.Equal(t, "zendesk", ProviderKey(model.DestinationZendesk))
}
