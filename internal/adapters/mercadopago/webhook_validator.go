package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	tsPattern = regexp.MustCompile(`ts=([^,]+)`)
	v1Pattern = regexp.MustCompile(`v1=([^,]+)`)
)

// WebhookValidator validates Mercado Pago webhook signatures.
type WebhookValidator struct {
	secret string
}

// NewWebhookValidator creates a validator for the account's webhook secret.
func NewWebhookValidator(secret string) *WebhookValidator {
	return &WebhookValidator{secret: secret}
}

// ValidateSignature validates the x-signature header.
//
// The header carries ts=<timestamp>,v1=<signature>, where the signature is
// HMAC-SHA256 of: id:<data.id>;request-id:<x-request-id>;ts:<timestamp>;
func (v *WebhookValidator) ValidateSignature(xSignature, xRequestID, dataID string) bool {
	if xSignature == "" || v.secret == "" {
		return false
	}

	ts, hash := parseSignatureHeader(xSignature)
	if ts == "" || hash == "" {
		return false
	}

	expected := Sign(buildManifest(dataID, xRequestID, ts), v.secret)
	return hmac.Equal([]byte(strings.ToLower(hash)), []byte(expected))
}

func parseSignatureHeader(header string) (ts, hash string) {
	if m := tsPattern.FindStringSubmatch(header); len(m) > 1 {
		ts = strings.TrimSpace(m[1])
	}
	if m := v1Pattern.FindStringSubmatch(header); len(m) > 1 {
		hash = strings.TrimSpace(m[1])
	}
	return ts, hash
}

// buildManifest constructs the string to be signed. Mercado Pago lowercases
// alphanumeric data ids before signing.
func buildManifest(dataID, requestID, ts string) string {
	var parts []string
	if dataID != "" {
		parts = append(parts, "id:"+strings.ToLower(dataID))
	}
	if requestID != "" {
		parts = append(parts, "request-id:"+requestID)
	}
	if ts != "" {
		parts = append(parts, "ts:"+ts)
	}
	return strings.Join(parts, ";") + ";"
}

// Sign computes the hex HMAC-SHA256 of a manifest.
func Sign(manifest, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(manifest))
	return hex.EncodeToString(h.Sum(nil))
}

// SignatureHeader builds an x-signature value for a notification.
func SignatureHeader(dataID, requestID, ts, secret string) string {
	return "ts=" + ts + ",v1=" + Sign(buildManifest(dataID, requestID, ts), secret)
}
