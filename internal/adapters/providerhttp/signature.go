package providerhttp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignBody computes the hex HMAC-SHA256 of body.
func SignBody(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyBody checks a hex HMAC-SHA256 body signature in constant time. An
// optional "sha256=" prefix is accepted.
func VerifyBody(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := SignBody(body, secret)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
