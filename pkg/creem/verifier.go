// Package creem verifies webhook deliveries from the Creem payment gateway.
package creem

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// SignatureHeaders are checked in order; the gateway has used each spelling.
var SignatureHeaders = []string{"creem-signature", "x-creem-signature", "creem_signature"}

var (
	ErrMissingSecret    = errors.New("creem webhook secret is not configured")
	ErrMissingSignature = errors.New("creem signature header is missing")
	ErrInvalidSignature = errors.New("creem signature is invalid")
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Verifier checks HMAC-SHA256 hex signatures over the raw request body.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// SignatureFromHeader returns the first non-empty signature header.
func SignatureFromHeader(h http.Header) string {
	for _, name := range SignatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// Verify accepts a header holding a bare digest, a "sha256=" or "v1=" prefixed
// digest, or a comma-separated list of such values.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v == nil || len(v.secret) == 0 {
		return ErrMissingSecret
	}
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	expected := []byte(hex.EncodeToString(mac.Sum(nil)))

	for _, candidate := range candidates(header) {
		normalized := normalize(candidate)
		if normalized == "" {
			continue
		}
		if hmac.Equal(expected, []byte(normalized)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func candidates(header string) []string {
	out := []string{header}
	for _, part := range strings.Split(header, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
		if idx := strings.Index(trimmed, "="); idx > 0 && idx < len(trimmed)-1 {
			if value := strings.TrimSpace(trimmed[idx+1:]); value != "" {
				out = append(out, value)
			}
		}
	}
	return out
}

func normalize(candidate string) string {
	value := strings.ToLower(strings.TrimSpace(candidate))
	value = strings.TrimPrefix(value, "sha256=")
	value = strings.TrimPrefix(value, "v1=")
	if !hexDigest.MatchString(value) {
		return ""
	}
	return value
}
