package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultFreshnessWindow bounds how old a signed event may be.
const DefaultFreshnessWindow = 5 * time.Minute

const signatureDelimiter = "|"

var (
	ErrMissingSignature   = errors.New("webhook: missing signature")
	ErrMalformedSignature = errors.New("webhook: malformed signature")
	ErrInvalidTimestamp   = errors.New("webhook: invalid timestamp")
	ErrStaleEvent         = errors.New("webhook: event outside freshness window")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
)

// canonicalPayload is the compact JSON form of the payload, so that
// insignificant whitespace never changes the signature.
func canonicalPayload(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func canonicalString(env Envelope) string {
	return strings.Join([]string{
		env.EventID,
		env.EventName,
		env.Timestamp,
		string(canonicalPayload(env.Payload)),
	}, signatureDelimiter)
}

// Sign computes the hex HMAC-SHA256 of event_id|event_name|timestamp|payload.
func Sign(env Envelope, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalString(env)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks env.Signature against secret and rejects events older (or
// further in the future) than window. A zero window means DefaultFreshnessWindow.
func Verify(env Envelope, secret string, now time.Time, window time.Duration) error {
	if env.Signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(env.Signature)
	if err != nil || len(got) != sha256.Size {
		return ErrMalformedSignature
	}

	ts, err := env.Time()
	if err != nil {
		return ErrInvalidTimestamp
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	age := now.Sub(ts)
	if age > window || age < -window {
		return ErrStaleEvent
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalString(env)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyBody is the subscriber-side helper: it decodes a delivered body and
// verifies it, using the header signature when the body carries none.
func VerifyBody(body []byte, signatureHeader, secret string, now time.Time, window time.Duration) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Signature == "" {
		env.Signature = signatureHeader
	}
	if err := Verify(env, secret, now, window); err != nil {
		return nil, err
	}
	return &env, nil
}
