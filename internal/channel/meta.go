package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// metaSignatureHeader carries "sha256=<hex>" signed with the app secret.
const metaSignatureHeader = "X-Hub-Signature-256"

type metaSigned struct{}

// SignatureFrom returns the Meta signature header.
func (metaSigned) SignatureFrom(h http.Header) string {
	return h.Get(metaSignatureHeader)
}

// VerifySignature checks the body against the app secret.
func (metaSigned) VerifySignature(body []byte, signature, secret string) error {
	return verifyPrefixedHMAC(body, signature, secret, "sha256=")
}

type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WhatsApp is the WhatsApp Business Cloud API.
// Credentials: access_token, phone_number_id.
type WhatsApp struct {
	metaSigned
	client  *resty.Client
	baseURL string
}

// Type returns the channel type.
func (*WhatsApp) Type() model.ChannelType { return model.ChannelWhatsApp }

// ParseInbound returns the first text message of a webhook. Status updates
// and media messages are ignored.
func (*WhatsApp) ParseInbound(raw []byte) *model.CanonicalInbound {
	var p whatsAppPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, m := range v.Messages {
				body := strings.TrimSpace(m.Text.Body)
				if m.Type != "text" || body == "" || m.From == "" {
					continue
				}
				in := &model.CanonicalInbound{
					ExternalID: m.ID,
					CustomerID: m.From,
					Content:    body,
					Metadata:   map[string]string{"phone_number_id": v.Metadata.PhoneNumberID},
				}
				for _, c := range v.Contacts {
					if c.WaID == m.From {
						in.CustomerName = c.Profile.Name
					}
				}
				return in
			}
		}
	}
	return nil
}

// Send posts a text message.
func (w *WhatsApp) Send(ctx context.Context, recipient, text string, creds Credentials, _ map[string]string) error {
	if err := requireKeys(creds, "access_token", "phone_number_id"); err != nil {
		return err
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetAuthToken(creds["access_token"]).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                recipient,
			"type":              "text",
			"text":              map[string]any{"body": text, "preview_url": false},
		}).
		Post(w.baseURL + "/" + creds["phone_number_id"] + "/messages")
	return checkResponse(model.ChannelWhatsApp, resp, err)
}

type messengerPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Message *struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// Messenger is the Facebook Messenger Send API.
// Credentials: page_access_token.
type Messenger struct {
	metaSigned
	client  *resty.Client
	baseURL string
}

// Type returns the channel type.
func (*Messenger) Type() model.ChannelType { return model.ChannelMessenger }

// ParseInbound returns the first customer text message. Echoes of the page's
// own messages, deliveries and reads are ignored.
func (*Messenger) ParseInbound(raw []byte) *model.CanonicalInbound {
	var p messengerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	for _, entry := range p.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.IsEcho {
				continue
			}
			text := strings.TrimSpace(ev.Message.Text)
			if text == "" || ev.Sender.ID == "" {
				continue
			}
			return &model.CanonicalInbound{
				ExternalID: ev.Message.MID,
				CustomerID: ev.Sender.ID,
				Content:    text,
				Metadata:   map[string]string{"page_id": ev.Recipient.ID},
			}
		}
	}
	return nil
}

// Send posts a standard response message.
func (m *Messenger) Send(ctx context.Context, recipient, text string, creds Credentials, _ map[string]string) error {
	if err := requireKeys(creds, "page_access_token"); err != nil {
		return err
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParam("access_token", creds["page_access_token"]).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"recipient":      map[string]string{"id": recipient},
			"messaging_type": "RESPONSE",
			"message":        map[string]string{"text": text},
		}).
		Post(m.baseURL + "/me/messages")
	return checkResponse(model.ChannelMessenger, resp, err)
}
