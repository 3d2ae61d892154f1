package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader is the provider's webhook signature header.
const SignatureHeader = "x-cc-webhook-signature"

// Sign computes the hex HMAC-SHA256 of body under the shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider's signature over the raw body using a
// constant-time comparison. It must pass before the body is parsed at all.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
