package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID        int64  `json:"id"`
			IsBot     bool   `json:"is_bot"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type telegramResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Telegram is the Telegram Bot API.
// Credentials: bot_token.
type Telegram struct {
	client  *resty.Client
	baseURL string
}

// Type returns the channel type.
func (*Telegram) Type() model.ChannelType { return model.ChannelTelegram }

// ParseInbound returns the text of a message update. Bot authors, edits
// and non-text updates are ignored.
func (*Telegram) ParseInbound(raw []byte) *model.CanonicalInbound {
	var u telegramUpdate
	if err := json.Unmarshal(raw, &u); err != nil || u.Message == nil {
		return nil
	}
	m := u.Message
	text := strings.TrimSpace(m.Text)
	if m.From.IsBot || text == "" || m.Chat.ID == 0 {
		return nil
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	return &model.CanonicalInbound{
		ExternalID:   strconv.FormatInt(m.MessageID, 10),
		CustomerID:   chatID,
		CustomerName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Content:      text,
		Metadata:     map[string]string{"chat_id": chatID},
	}
}

// SignatureFrom returns the secret token header.
func (*Telegram) SignatureFrom(h http.Header) string {
	return h.Get(telegramSecretHeader)
}

// VerifySignature compares the secret token set with setWebhook.
func (*Telegram) VerifySignature(_ []byte, signature, secret string) error {
	if secret == "" || subtle.ConstantTimeCompare([]byte(signature), []byte(secret)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Send calls sendMessage.
func (t *Telegram) Send(ctx context.Context, recipient, text string, creds Credentials, _ map[string]string) error {
	if err := requireKeys(creds, "bot_token"); err != nil {
		return err
	}
	var result telegramResult
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"chat_id": recipient, "text": text}).
		SetResult(&result).
		Post(t.baseURL + "/bot" + creds["bot_token"] + "/sendMessage")
	if err := checkResponse(model.ChannelTelegram, resp, err); err != nil {
		return err
	}
	if !result.OK {
		return &SendError{Channel: model.ChannelTelegram, Status: resp.StatusCode(), Body: result.Description}
	}
	return nil
}
