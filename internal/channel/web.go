package channel

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/url"
	"strings"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// WebInbound is the widget's message payload.
type WebInbound struct {
	VisitorID   string            `json:"visitor_id" validate:"required,max=128"`
	VisitorName string            `json:"visitor_name,omitempty" validate:"max=128"`
	MessageID   string            `json:"message_id,omitempty" validate:"max=128"`
	Content     string            `json:"content" validate:"required,max=8000"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Web is the embeddable chat widget. Replies reach the visitor over the
// realtime stream, so Send does nothing.
type Web struct{}

// Type returns the channel type.
func (*Web) Type() model.ChannelType { return model.ChannelWeb }

// ParseInbound parses a WebInbound body.
func (*Web) ParseInbound(raw []byte) *model.CanonicalInbound {
	var in WebInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil
	}
	content := strings.TrimSpace(in.Content)
	if in.VisitorID == "" || content == "" {
		return nil
	}
	return &model.CanonicalInbound{
		ExternalID:   in.MessageID,
		CustomerID:   in.VisitorID,
		CustomerName: in.VisitorName,
		Content:      content,
		Metadata:     in.Metadata,
	}
}

// Send is a no-op.
func (*Web) Send(context.Context, string, string, Credentials, map[string]string) error {
	return nil
}

// Voice handles Twilio speech-gather callbacks. The reply is returned inline
// as TwiML in the webhook response, so Send does nothing.
type Voice struct {
	twilioSigned
}

// Type returns the channel type.
func (*Voice) Type() model.ChannelType { return model.ChannelVoice }

// ParseInbound parses a form-encoded gather callback. Calls without a speech
// result carry nothing to answer.
func (*Voice) ParseInbound(raw []byte) *model.CanonicalInbound {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil
	}
	speech := strings.TrimSpace(form.Get("SpeechResult"))
	caller := form.Get("From")
	if speech == "" || caller == "" {
		return nil
	}
	return &model.CanonicalInbound{
		ExternalID:   form.Get("CallSid"),
		CustomerID:   caller,
		CustomerName: form.Get("CallerName"),
		Content:      speech,
		Metadata:     map[string]string{"call_sid": form.Get("CallSid")},
	}
}

// Send is a no-op.
func (*Voice) Send(context.Context, string, string, Credentials, map[string]string) error {
	return nil
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName xml.Name `xml:"Gather"`
	Input   string   `xml:"input,attr"`
	Action  string   `xml:"action,attr,omitempty"`
	Method  string   `xml:"method,attr"`
	Timeout int      `xml:"speechTimeout,attr"`
	Say     *twimlSay
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Gather  *twimlGather
	Say     *twimlSay
	Hangup  *struct{} `xml:"Hangup"`
}

// VoiceReply renders TwiML that speaks text and listens for the caller's
// next utterance, posting it to action.
func VoiceReply(text, action string) ([]byte, error) {
	return render(twimlResponse{
		Gather: &twimlGather{
			Input:   "speech",
			Action:  action,
			Method:  "POST",
			Timeout: 2,
			Say:     &twimlSay{Text: text},
		},
	})
}

// VoiceHangup renders TwiML that speaks text and ends the call.
func VoiceHangup(text string) ([]byte, error) {
	return render(twimlResponse{
		Say:    &twimlSay{Text: text},
		Hangup: &struct{}{},
	})
}

func render(r twimlResponse) ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
