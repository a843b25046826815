package webhook

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T, secret string, at time.Time) Envelope {
	t.Helper()
	env := newEnvelope("evt-1", EventMessageReplied, "leadflow", "", 3, nil,
		json.RawMessage(`{"message_id": 9, "lead_id": 4}`), at)
	env.Signature = Sign(env, secret)
	return env
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	env := signedEnvelope(t, "s3cret", now)

	assert.Len(t, env.Signature, 64)
	assert.NoError(t, Verify(env, "s3cret", now.Add(time.Minute), 0))
}

func TestSignIgnoresPayloadWhitespace(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newEnvelope("evt-1", "x", "leadflow", "", 1, nil, json.RawMessage(`{"a": 1, "b": [1, 2]}`), at)
	b := newEnvelope("evt-1", "x", "leadflow", "", 1, nil, json.RawMessage(`{"a":1,"b":[1,2]}`), at)
	assert.Equal(t, Sign(a, "k"), Sign(b, "k"))
}

func TestVerifyRejects(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name   string
		mutate func(env *Envelope)
		secret string
		want   error
	}{
		{"missing signature", func(env *Envelope) { env.Signature = "" }, "s3cret", ErrMissingSignature},
		{"non hex signature", func(env *Envelope) { env.Signature = "zz" + env.Signature[2:] }, "s3cret", ErrMalformedSignature},
		{"short signature", func(env *Envelope) { env.Signature = env.Signature[:10] }, "s3cret", ErrMalformedSignature},
		{"wrong secret", func(env *Envelope) {}, "other", ErrSignatureMismatch},
		{"tampered payload", func(env *Envelope) { env.Payload = json.RawMessage(`{"message_id":10}`) }, "s3cret", ErrSignatureMismatch},
		{"tampered name", func(env *Envelope) { env.EventName = EventMessageFailed }, "s3cret", ErrSignatureMismatch},
		{"bad timestamp", func(env *Envelope) { env.Timestamp = "yesterday" }, "s3cret", ErrInvalidTimestamp},
		{"stale", func(env *Envelope) {
			env.Timestamp = now.Add(-10 * time.Minute).Format(time.RFC3339)
		}, "s3cret", ErrStaleEvent},
		{"from the future", func(env *Envelope) {
			env.Timestamp = now.Add(10 * time.Minute).Format(time.RFC3339)
		}, "s3cret", ErrStaleEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := signedEnvelope(t, "s3cret", now)
			tt.mutate(&env)
			assert.ErrorIs(t, Verify(env, tt.secret, now, 5*time.Minute), tt.want)
		})
	}
}

func TestVerifyBodyUsesHeaderSignature(t *testing.T) {
	now := time.Now().UTC()
	env := signedEnvelope(t, "s3cret", now)
	sig := env.Signature
	env.Signature = ""
	body, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := VerifyBody(body, sig, "s3cret", now, 0)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.EventID)

	_, err = VerifyBody(body, "", "s3cret", now, 0)
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestEnvelopeShape(t *testing.T) {
	client := uint(8)
	env := newEnvelope("evt-2", EventSequenceEnrolled, "leadflow", "crm", 3, &client,
		json.RawMessage(`{}`), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	body, err := json.Marshal(env)
	require.NoError(t, err)
	for _, key := range []string{
		`"event_id":"evt-2"`, `"event_version":"1.0"`, `"source_product":"leadflow"`,
		`"target_product":"crm"`, `"organization_id":"3"`, `"client_id":"8"`,
		`"timestamp":"2026-05-01T12:00:00Z"`,
	} {
		assert.True(t, strings.Contains(string(body), key), key)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: 10 * time.Second, BackoffMax: time.Minute}
	assert.Equal(t, 10*time.Second, cfg.Backoff(1))
	assert.Equal(t, 20*time.Second, cfg.Backoff(2))
	assert.Equal(t, 40*time.Second, cfg.Backoff(3))
	assert.Equal(t, time.Minute, cfg.Backoff(4))
	assert.Equal(t, time.Minute, cfg.Backoff(12))
}
