// Package channel adapts provider webhooks and send APIs to canonical
// messages. Adapters only talk to their provider; they never touch storage.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// Credentials are the decrypted provider credentials of a channel connection.
type Credentials map[string]string

// Adapter is implemented once per channel.
type Adapter interface {
	Type() model.ChannelType

	// ParseInbound returns nil for payloads that carry no customer text
	// (receipts, echoes, bot messages, malformed bodies).
	ParseInbound(raw []byte) *model.CanonicalInbound

	Send(ctx context.Context, recipient, text string, creds Credentials, meta map[string]string) error
}

// SignatureVerifier is implemented by adapters whose provider signs webhooks.
type SignatureVerifier interface {
	// SignatureFrom extracts the signature material from request headers.
	SignatureFrom(h http.Header) string
	VerifySignature(body []byte, signature, secret string) error
}

// RequestVerifier is implemented by adapters whose provider signs the
// request URL as well as the body. Such adapters always require a valid
// signature.
type RequestVerifier interface {
	VerifyRequest(r *http.Request, body []byte, secret string) error
}

var (
	// ErrInvalidSignature is returned when a webhook signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMissingCredentials is returned when a connection lacks a required key.
	ErrMissingCredentials = errors.New("missing channel credentials")
)

// SendError is a non-2xx provider response.
type SendError struct {
	Channel model.ChannelType
	Status  int
	Body    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed (%d): %s", e.Channel, e.Status, e.Body)
}

// IsTransient reports whether a send failure is worth retrying. Rate limits,
// provider 5xx and transport errors are transient; other provider rejections
// and missing credentials are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingCredentials) {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return true
}

func requireKeys(creds Credentials, keys ...string) error {
	for _, k := range keys {
		if creds[k] == "" {
			return fmt.Errorf("%w: %s", ErrMissingCredentials, k)
		}
	}
	return nil
}

func checkResponse(ch model.ChannelType, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s request failed: %w", ch, err)
	}
	if resp.IsError() {
		return &SendError{Channel: ch, Status: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Endpoints overrides provider base URLs.
type Endpoints struct {
	MetaGraph string
	Telegram  string
	Twilio    string
	Slack     string
	Email     string
}

// DefaultEndpoints are the production provider URLs.
var DefaultEndpoints = Endpoints{
	MetaGraph: "https://graph.facebook.com/v19.0",
	Telegram:  "https://api.telegram.org",
	Twilio:    "https://api.twilio.com",
	Slack:     "https://slack.com",
	Email:     "https://api.resend.com",
}

// Registry resolves the adapter for a channel type.
type Registry struct {
	adapters map[model.ChannelType]Adapter
}

// NewRegistry builds one adapter per supported channel. Empty endpoint
// fields fall back to DefaultEndpoints.
func NewRegistry(client *resty.Client, ep Endpoints) (*Registry, error) {
	if client == nil {
		client = resty.New().SetTimeout(15 * time.Second)
	}
	ep = ep.withDefaults()

	r := &Registry{adapters: make(map[model.ChannelType]Adapter, len(model.AllChannels))}
	for _, ct := range model.AllChannels {
		a, err := newAdapter(ct, client, ep)
		if err != nil {
			return nil, err
		}
		r.adapters[ct] = a
	}
	return r, nil
}

func newAdapter(ct model.ChannelType, client *resty.Client, ep Endpoints) (Adapter, error) {
	switch ct {
	case model.ChannelWeb:
		return &Web{}, nil
	case model.ChannelVoice:
		return &Voice{}, nil
	case model.ChannelWhatsApp:
		return &WhatsApp{client: client, baseURL: ep.MetaGraph}, nil
	case model.ChannelMessenger:
		return &Messenger{client: client, baseURL: ep.MetaGraph}, nil
	case model.ChannelTelegram:
		return &Telegram{client: client, baseURL: ep.Telegram}, nil
	case model.ChannelSMS:
		return &SMS{client: client, baseURL: ep.Twilio}, nil
	case model.ChannelSlack:
		return &Slack{client: client, baseURL: ep.Slack, now: time.Now}, nil
	case model.ChannelEmail:
		return &Email{client: client, baseURL: ep.Email}, nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedChannel, ct)
	}
}

func (ep Endpoints) withDefaults() Endpoints {
	if ep.MetaGraph == "" {
		ep.MetaGraph = DefaultEndpoints.MetaGraph
	}
	if ep.Telegram == "" {
		ep.Telegram = DefaultEndpoints.Telegram
	}
	if ep.Twilio == "" {
		ep.Twilio = DefaultEndpoints.Twilio
	}
	if ep.Slack == "" {
		ep.Slack = DefaultEndpoints.Slack
	}
	if ep.Email == "" {
		ep.Email = DefaultEndpoints.Email
	}
	return ep
}

// Get returns the adapter for ct.
func (r *Registry) Get(ct model.ChannelType) (Adapter, error) {
	a, ok := r.adapters[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedChannel, ct)
	}
	return a, nil
}
