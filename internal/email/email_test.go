package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

func TestAPISender_Send(t *testing.T) {
	var auth string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewAPISender(nil, srv.URL, "re_key", "alerts@acme.test")
	err := s.Send(context.Background(), &Message{To: []string{"owner@acme.test"}, Subject: "Low credits", Text: "Top up"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer re_key", auth)
	assert.Equal(t, "alerts@acme.test", body["from"])
	assert.Equal(t, "Low credits", body["subject"])
}

func TestAPISender_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := NewAPISender(nil, srv.URL, "k", "f@x.test")
	assert.Error(t, s.Send(context.Background(), &Message{To: []string{"a@x.test"}}))
	assert.ErrorIs(t, s.Send(context.Background(), &Message{}), ErrNoRecipient)
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(logger.NewNop())
	assert.NoError(t, s.Send(context.Background(), &Message{To: []string{"a@x.test"}}))
	assert.ErrorIs(t, s.Send(context.Background(), &Message{}), ErrNoRecipient)
}
