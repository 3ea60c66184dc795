package channel

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// twilioSigned verifies Twilio webhooks. The secret is the account auth token.
type twilioSigned struct{}

// VerifyRequest checks X-Twilio-Signature against the public request URL
// and the form-encoded body.
func (twilioSigned) VerifyRequest(r *http.Request, body []byte, secret string) error {
	sig := r.Header.Get(TwilioSignatureHeader)
	if secret == "" || sig == "" {
		return ErrInvalidSignature
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return ErrInvalidSignature
	}
	want := TwilioSignature(secret, publicURL(r), form)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}

// TwilioSignature computes base64(HMAC-SHA1(authToken, fullURL + params)),
// where params are the POST fields sorted by name, each name followed by
// its value.
func TwilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), form[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// publicURL rebuilds the URL Twilio called, honouring proxy headers.
func publicURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
