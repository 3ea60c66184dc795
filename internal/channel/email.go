package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

const emailSignatureHeader = "X-Webhook-Signature"

// EmailInbound is the inbound-parse payload posted by the mail provider.
type EmailInbound struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// Email receives parsed inbound mail and replies through the mail provider's
// send API.
// Credentials: api_key, from.
type Email struct {
	client  *resty.Client
	baseURL string
}

// Type returns the channel type.
func (*Email) Type() model.ChannelType { return model.ChannelEmail }

// ParseInbound keeps the new part of the body, dropping quoted history.
func (*Email) ParseInbound(raw []byte) *model.CanonicalInbound {
	var in EmailInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil
	}
	addr, err := mail.ParseAddress(in.From)
	if err != nil {
		return nil
	}
	text := stripQuoted(in.Text)
	if text == "" {
		return nil
	}
	return &model.CanonicalInbound{
		ExternalID:   in.MessageID,
		CustomerID:   strings.ToLower(addr.Address),
		CustomerName: addr.Name,
		Content:      text,
		Metadata: map[string]string{
			"subject":    in.Subject,
			"message_id": in.MessageID,
		},
	}
}

// stripQuoted cuts the body at the first reply header or quoted line.
func stripQuoted(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			break
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		if trimmed == "-----Original Message-----" {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// SignatureFrom returns the provider signature header.
func (*Email) SignatureFrom(h http.Header) string {
	return h.Get(emailSignatureHeader)
}

// VerifySignature checks a "sha256=<hex>" body signature.
func (*Email) VerifySignature(body []byte, signature, secret string) error {
	return verifyPrefixedHMAC(body, signature, secret, "sha256=")
}

// Send replies in the customer's thread.
func (e *Email) Send(ctx context.Context, recipient, text string, creds Credentials, meta map[string]string) error {
	if err := requireKeys(creds, "api_key", "from"); err != nil {
		return err
	}
	subject := meta["subject"]
	if subject == "" {
		subject = "Your support request"
	}
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	body := map[string]any{
		"from":    creds["from"],
		"to":      []string{recipient},
		"subject": subject,
		"text":    text,
	}
	if id := meta["message_id"]; id != "" {
		body["headers"] = map[string]string{"In-Reply-To": id, "References": id}
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetAuthToken(creds["api_key"]).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(e.baseURL + "/emails")
	return checkResponse(model.ChannelEmail, resp, err)
}
