package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func hmacSHA256Hex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyPrefixedHMAC checks signatures of the form "<prefix><hex hmac-sha256>".
func verifyPrefixedHMAC(body []byte, signature, secret, prefix string) error {
	if secret == "" || !strings.HasPrefix(signature, prefix) {
		return ErrInvalidSignature
	}
	want := hmacSHA256Hex(secret, body)
	got := strings.TrimPrefix(signature, prefix)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}
