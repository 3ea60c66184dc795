// Package ticketing creates escalation tickets in external helpdesks.
package ticketing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// ErrMissingCredentials is returned when the workspace has not configured
// the provider or a required key is absent.
var ErrMissingCredentials = errors.New("missing ticketing credentials")

// Ticket is the provider-neutral ticket content.
type Ticket struct {
	Subject       string
	Body          string
	RequesterName string
	// RequesterEmail may be empty for channels without an email identity.
	RequesterEmail string
	Tags           []string
}

// Credentials are the decrypted integration credentials. A "base_url" key
// overrides the URL derived from the account subdomain.
type Credentials map[string]string

// Provider creates tickets in one helpdesk.
type Provider interface {
	CreateTicket(ctx context.Context, creds Credentials, t *Ticket) (string, error)
}

// Registry resolves the provider for a handoff destination.
type Registry struct {
	providers map[model.HandoffDestination]Provider
}

// NewRegistry builds the Zendesk, Freshdesk and Gorgias clients.
func NewRegistry(client *resty.Client) *Registry {
	if client == nil {
		client = resty.New().SetTimeout(15 * time.Second)
	}
	return &Registry{providers: map[model.HandoffDestination]Provider{
		model.DestinationZendesk:   &Zendesk{client: client},
		model.DestinationFreshdesk: &Freshdesk{client: client},
		model.DestinationGorgias:   &Gorgias{client: client},
	}}
}

// Get returns the provider for dest.
func (r *Registry) Get(dest model.HandoffDestination) (Provider, error) {
	p, ok := r.providers[dest]
	if !ok {
		return nil, fmt.Errorf("no ticketing provider for %s", dest)
	}
	return p, nil
}

// ProviderKey is the integration name credentials are stored under.
func ProviderKey(dest model.HandoffDestination) string {
	return strings.ToLower(string(dest))
}

func requireKeys(creds Credentials, keys ...string) error {
	for _, k := range keys {
		if creds[k] == "" {
			return fmt.Errorf("%w: %s", ErrMissingCredentials, k)
		}
	}
	return nil
}

func baseURL(creds Credentials, key, pattern string) (string, error) {
	if u := creds["base_url"]; u != "" {
		return strings.TrimRight(u, "/"), nil
	}
	if err := requireKeys(creds, key); err != nil {
		return "", err
	}
	return fmt.Sprintf(pattern, creds[key]), nil
}

func checkResponse(provider string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s create ticket: %w", provider, err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 512 {
			body = body[:512]
		}
		return fmt.Errorf("%s create ticket: status %d: %s", provider, resp.StatusCode(), body)
	}
	return nil
}

// Zendesk uses an API token.
// Credentials: subdomain, email, api_token.
type Zendesk struct {
	client *resty.Client
}

// CreateTicket creates a ticket and returns its id.
func (z *Zendesk) CreateTicket(ctx context.Context, creds Credentials, t *Ticket) (string, error) {
	if err := requireKeys(creds, "email", "api_token"); err != nil {
		return "", err
	}
	base, err := baseURL(creds, "subdomain", "https://%s.zendesk.com")
	if err != nil {
		return "", err
	}

	ticket := map[string]any{
		"subject": t.Subject,
		"comment": map[string]any{"body": t.Body, "public": false},
		"tags":    t.Tags,
	}
	if t.RequesterEmail != "" {
		ticket["requester"] = map[string]string{"name": t.RequesterName, "email": t.RequesterEmail}
	}

	var result struct {
		Ticket struct {
			ID int64 `json:"id"`
		} `json:"ticket"`
	}
	resp, err := z.client.R().
		SetContext(ctx).
		SetBasicAuth(creds["email"]+"/token", creds["api_token"]).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"ticket": ticket}).
		SetResult(&result).
		Post(base + "/api/v2/tickets.json")
	if err := checkResponse("zendesk", resp, err); err != nil {
		return "", err
	}
	if result.Ticket.ID == 0 {
		return "", fmt.Errorf("zendesk create ticket: response without id")
	}
	return strconv.FormatInt(result.Ticket.ID, 10), nil
}

// Freshdesk uses an API key as the basic auth user.
// Credentials: domain, api_key.
type Freshdesk struct {
	client *resty.Client
}

// CreateTicket creates an open, medium-priority ticket.
func (f *Freshdesk) CreateTicket(ctx context.Context, creds Credentials, t *Ticket) (string, error) {
	if err := requireKeys(creds, "api_key"); err != nil {
		return "", err
	}
	base, err := baseURL(creds, "domain", "https://%s.freshdesk.com")
	if err != nil {
		return "", err
	}

	// Freshdesk requires a requester identity.
	requester := t.RequesterEmail
	if requester == "" {
		requester = creds["fallback_email"]
	}
	if requester == "" {
		return "", fmt.Errorf("%w: fallback_email", ErrMissingCredentials)
	}

	var result struct {
		ID int64 `json:"id"`
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetBasicAuth(creds["api_key"], "X").
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"subject":     t.Subject,
			"description": t.Body,
			"email":       requester,
			"name":        t.RequesterName,
			"priority":    2,
			"status":      2,
			"tags":        t.Tags,
		}).
		SetResult(&result).
		Post(base + "/api/v2/tickets")
	if err := checkResponse("freshdesk", resp, err); err != nil {
		return "", err
	}
	if result.ID == 0 {
		return "", fmt.Errorf("freshdesk create ticket: response without id")
	}
	return strconv.FormatInt(result.ID, 10), nil
}

// Gorgias uses the account email and an API key.
// Credentials: domain, email, api_key.
type Gorgias struct {
	client *resty.Client
}

// CreateTicket creates a ticket with one internal message.
func (g *Gorgias) CreateTicket(ctx context.Context, creds Credentials, t *Ticket) (string, error) {
	if err := requireKeys(creds, "email", "api_key"); err != nil {
		return "", err
	}
	base, err := baseURL(creds, "domain", "https://%s.gorgias.com")
	if err != nil {
		return "", err
	}

	customer := t.RequesterEmail
	if customer == "" {
		customer = creds["email"]
	}
	tags := make([]map[string]string, 0, len(t.Tags))
	for _, tag := range t.Tags {
		tags = append(tags, map[string]string{"name": tag})
	}

	var result struct {
		ID int64 `json:"id"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetBasicAuth(creds["email"], creds["api_key"]).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"subject":  t.Subject,
			"channel":  "api",
			"via":      "api",
			"customer": map[string]string{"email": customer, "name": t.RequesterName},
			"tags":     tags,
			"messages": []map[string]any{{
				"channel":    "api",
				"via":        "api",
				"from_agent": false,
				"subject":    t.Subject,
				"body_text":  t.Body,
				"sender":     map[string]string{"email": customer},
			}},
		}).
		SetResult(&result).
		Post(base + "/api/tickets")
	if err := checkResponse("gorgias", resp, err); err != nil {
		return "", err
	}
	if result.ID == 0 {
		return "", fmt.Errorf("gorgias create ticket: response without id")
	}
	return strconv.FormatInt(result.ID, 10), nil
}
