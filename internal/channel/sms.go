package channel

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// SMS is Twilio Programmable Messaging.
// Credentials: account_sid, auth_token, from.
type SMS struct {
	twilioSigned
	client  *resty.Client
	baseURL string
}

// Type returns the channel type.
func (*SMS) Type() model.ChannelType { return model.ChannelSMS }

// ParseInbound parses Twilio's form-encoded incoming message webhook.
func (*SMS) ParseInbound(raw []byte) *model.CanonicalInbound {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil
	}
	body := strings.TrimSpace(form.Get("Body"))
	from := form.Get("From")
	if body == "" || from == "" {
		return nil
	}
	return &model.CanonicalInbound{
		ExternalID:   form.Get("MessageSid"),
		CustomerID:   from,
		CustomerName: form.Get("ProfileName"),
		Content:      body,
		Metadata:     map[string]string{"to": form.Get("To")},
	}
}

// Send creates a message resource.
func (s *SMS) Send(ctx context.Context, recipient, text string, creds Credentials, _ map[string]string) error {
	if err := requireKeys(creds, "account_sid", "auth_token", "from"); err != nil {
		return err
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(creds["account_sid"], creds["auth_token"]).
		SetFormData(map[string]string{
			"From": creds["from"],
			"To":   recipient,
			"Body": text,
		}).
		Post(s.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(creds["account_sid"]) + "/Messages.json")
	return checkResponse(model.ChannelSMS, resp, err)
}
