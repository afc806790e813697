package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

const secretPrefix = "whsec_"

var (
	// ErrMissingHeaders means one of the id, timestamp or signature headers is absent.
	ErrMissingHeaders = errors.New("webhook: missing signature headers")
	// ErrInvalidSignature means no listed signature matches the payload.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// Headers are the Standard Webhooks values a delivery is signed with.
type Headers struct {
	ID        string
	Timestamp string
	Signature string
}

// HeadersFrom reads the webhook-* headers, falling back to the svix-* names.
func HeadersFrom(h http.Header) Headers {
	pick := func(primary, fallback string) string {
		if v := h.Get(primary); v != "" {
			return v
		}
		return h.Get(fallback)
	}
	return Headers{
		ID:        pick("webhook-id", "svix-id"),
		Timestamp: pick("webhook-timestamp", "svix-timestamp"),
		Signature: pick("webhook-signature", "svix-signature"),
	}
}

// Verifier checks Standard Webhooks HMAC-SHA256 signatures.
type Verifier struct {
	key []byte
}

// NewVerifier decodes secret into a signing key. The optional "whsec_"
// prefix is stripped; the rest is read as base64url, and used as raw bytes
// when it does not decode.
func NewVerifier(secret string) *Verifier {
	return &Verifier{key: signingKey(secret)}
}

func signingKey(secret string) []byte {
	sec := strings.TrimPrefix(secret, secretPrefix)

	b64 := strings.NewReplacer("-", "+", "_", "/").Replace(sec)
	if rem := len(b64) % 4; rem != 0 {
		b64 += strings.Repeat("=", 4-rem)
	}
	if key, err := base64.StdEncoding.DecodeString(b64); err == nil {
		return key
	}
	return []byte(sec)
}

// Verify returns nil when any "<version>,<signature>" entry of the signature
// header matches HMAC-SHA256(key, "{id}.{timestamp}.{body}").
func (v *Verifier) Verify(h Headers, body []byte) error {
	if h.ID == "" || h.Timestamp == "" || h.Signature == "" {
		return ErrMissingHeaders
	}

	expected := v.Sign(h.ID, h.Timestamp, body)
	for _, entry := range strings.Fields(h.Signature) {
		_, sig, ok := strings.Cut(entry, ",")
		if !ok || sig == "" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign computes the base64 signature for a delivery.
func (v *Verifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
