package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Gateway auth header names.
const (
	HeaderAPIKey    = "X-Gateway-Key"
	HeaderTimestamp = "X-Gateway-Timestamp"
	HeaderSignature = "X-Gateway-Signature"
)

// HMACAuth signs gateway API requests.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, base64 or raw
}

// Headers returns the auth headers for a request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body), base64 encoded.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secret, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		// Not base64: use the raw bytes so a misconfigured secret produces
		// an obviously-wrong signature rather than a panic.
		secret = []byte(h.Secret)
	}

	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64(secret, ts+method+path+body),
	}
}

// Verify checks a signature produced by HeadersAt.
func (h *HMACAuth) Verify(method, path, body, ts, signature string) bool {
	unixTS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	want := h.HeadersAt(method, path, body, unixTS)[HeaderSignature]
	return hmac.Equal([]byte(want), []byte(signature))
}

// String never exposes the secret.
func (h *HMACAuth) String() string {
	return "HMACAuth{Key: " + h.Key + ", Secret: [REDACTED]}"
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
