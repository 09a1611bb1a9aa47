package mercadopago

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSignature(t *testing.T) {
	v := NewWebhookValidator("secret")
	header := SignatureHeader("123ABC", "req-1", "1712000000", "secret")

	assert.True(t, v.ValidateSignature(header, "req-1", "123ABC"))
	assert.True(t, v.ValidateSignature(header, "req-1", "123abc"), "data ids are lowercased before signing")
	assert.False(t, v.ValidateSignature(header, "req-2", "123ABC"))
	assert.False(t, v.ValidateSignature(header, "req-1", "999"))
	assert.False(t, v.ValidateSignature("", "req-1", "123ABC"))
	assert.False(t, v.ValidateSignature("v1=abc", "req-1", "123ABC"), "ts is required")
	assert.False(t, NewWebhookValidator("").ValidateSignature(header, "req-1", "123ABC"))
}

func TestBuildManifest(t *testing.T) {
	assert.Equal(t, "id:abc;request-id:r;ts:1;", buildManifest("ABC", "r", "1"))
	assert.Equal(t, "ts:1;", buildManifest("", "", "1"))
}
