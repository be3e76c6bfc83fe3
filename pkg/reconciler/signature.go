package reconciler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifySignature verifies the provider webhook signature. The provider signs
// the raw payload with HMAC-SHA256 over the shared secret and sends it as
// "sha256=<hex>".
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignPayload generates the signature for a payload. Exposed for tests and
// for replaying captured events against a local instance.
func SignPayload(payload []byte, secret string) string {
	return generateSignature(payload, secret)
}

func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
