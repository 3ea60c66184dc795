package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

const slackMaxSkew = 5 * time.Minute

// SlackEnvelope is the outer Events API payload.
type SlackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id"`
	Event     struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

type slackResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Slack is the Slack Events and Web API.
// Credentials: bot_token.
type Slack struct {
	client  *resty.Client
	baseURL string
	now     func() time.Time
}

// Type returns the channel type.
func (*Slack) Type() model.ChannelType { return model.ChannelSlack }

// ParseInbound returns user messages and mentions. Bot posts (including our
// own replies) and message subtypes such as edits are ignored.
func (*Slack) ParseInbound(raw []byte) *model.CanonicalInbound {
	var env SlackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "event_callback" {
		return nil
	}
	ev := env.Event
	if ev.Type != "message" && ev.Type != "app_mention" {
		return nil
	}
	text := strings.TrimSpace(ev.Text)
	if ev.BotID != "" || ev.Subtype != "" || ev.User == "" || text == "" {
		return nil
	}
	thread := ev.ThreadTS
	if thread == "" {
		thread = ev.TS
	}
	return &model.CanonicalInbound{
		ExternalID: ev.TS,
		CustomerID: ev.User,
		Content:    text,
		Metadata: map[string]string{
			"channel":   ev.Channel,
			"thread_ts": thread,
			"team_id":   env.TeamID,
		},
	}
}

// SignatureFrom joins the request timestamp and signature as "ts,v0=...".
func (*Slack) SignatureFrom(h http.Header) string {
	return h.Get("X-Slack-Request-Timestamp") + "," + h.Get("X-Slack-Signature")
}

// VerifySignature checks the v0 signing secret signature and rejects stale
// timestamps.
func (s *Slack) VerifySignature(body []byte, signature, secret string) error {
	ts, sig, ok := strings.Cut(signature, ",")
	if !ok {
		return ErrInvalidSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if skew := s.now().Sub(time.Unix(sec, 0)); skew > slackMaxSkew || skew < -slackMaxSkew {
		return ErrInvalidSignature
	}
	base := append([]byte("v0:"+ts+":"), body...)
	return verifyPrefixedHMAC(base, sig, secret, "v0=")
}

// Send posts into the originating channel and thread.
func (s *Slack) Send(ctx context.Context, recipient, text string, creds Credentials, meta map[string]string) error {
	if err := requireKeys(creds, "bot_token"); err != nil {
		return err
	}
	body := map[string]string{"channel": recipient, "text": text}
	if c := meta["channel"]; c != "" {
		body["channel"] = c
	}
	if ts := meta["thread_ts"]; ts != "" {
		body["thread_ts"] = ts
	}

	var result slackResult
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(creds["bot_token"]).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(body).
		SetResult(&result).
		Post(s.baseURL + "/api/chat.postMessage")
	if err := checkResponse(model.ChannelSlack, resp, err); err != nil {
		return err
	}
	if !result.OK {
		status := resp.StatusCode()
		if result.Error == "ratelimited" {
			status = http.StatusTooManyRequests
		}
		return &SendError{Channel: model.ChannelSlack, Status: status, Body: result.Error}
	}
	return nil
}
