// Package security provides HMAC signing and verification for webhook
// payloads. The signature header is the single trust boundary of the
// completion protocol.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// SignatureHeader is the HTTP header carrying the payload signature.
	SignatureHeader = "X-Webhook-Signature"

	// SignaturePrefix is the required scheme prefix of the header value.
	SignaturePrefix = "sha256="
)

// Sign computes the hex-encoded HMAC-SHA256 of the raw body.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// SignHeader returns the full header value, "sha256=<hex>".
func SignHeader(secret string, body []byte) string {
	return SignaturePrefix + Sign(secret, body)
}

// VerifyHeader checks a header value of the exact form "sha256=<hex>"
// against the raw body. It fails closed: an empty secret, an empty or
// malformed header, or a digest mismatch all return false. The comparison
// is constant-time.
func VerifyHeader(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	provided := strings.TrimPrefix(header, SignaturePrefix)
	return constantTimeEqual(Sign(secret, body), provided)
}

// AddHeader attaches a freshly computed signature to outbound request
// headers. Callers sign at send time, never reuse a stored value.
func AddHeader(headers http.Header, secret string, body []byte) {
	headers.Set(SignatureHeader, SignHeader(secret, body))
}

// constantTimeEqual compares two hex digests without leaking timing
// information. Undecodable input is treated as a mismatch.
func constantTimeEqual(a, b string) bool {
	aBytes, aErr := hex.DecodeString(a)
	bBytes, bErr := hex.DecodeString(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1
}

// GenerateSecret returns a hex-encoded random secret of the given byte
// length, defaulting to 32 bytes.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
