package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Courier-Signature"
	signaturePrefix = "sha256="
)

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Signature is the SignatureHeader value for payload.
func Signature(secret string, payload []byte) string {
	return signaturePrefix + Sign(secret, payload)
}

// Verify checks a SignatureHeader value in constant time. Receivers in
// tests and integrations use it to authenticate deliveries.
func Verify(secret string, payload []byte, header string) bool {
	got, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	want := Sign(secret, payload)
	return hmac.Equal([]byte(got), []byte(want))
}
