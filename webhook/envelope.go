package webhook

import (
	"encoding/json"
	"strconv"
	"time"
)

const (
	EventSequenceEnrolled = "sequence.enrolled"
	EventStepExecuted     = "step.executed"
	EventMessageDelivered = "message.delivered"
	EventMessageReplied   = "message.replied"
	EventMessageFailed    = "message.failed"
	EventTestWebhook      = "test.webhook"

	EnvelopeVersion = "1.0"

	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderEventName = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
)

// Envelope is the signed JSON body delivered to subscribers.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventName      string          `json:"event_name"`
	EventVersion   string          `json:"event_version"`
	SourceProduct  string          `json:"source_product"`
	TargetProduct  string          `json:"target_product,omitempty"`
	OrganizationID string          `json:"organization_id"`
	ClientID       string          `json:"client_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      string          `json:"timestamp"`
	Signature      string          `json:"signature,omitempty"`
}

// Time parses the envelope timestamp.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Timestamp)
}

func newEnvelope(eventID, eventName, source, target string, orgID uint, clientID *uint, payload json.RawMessage, at time.Time) Envelope {
	env := Envelope{
		EventID:        eventID,
		EventName:      eventName,
		EventVersion:   EnvelopeVersion,
		SourceProduct:  source,
		TargetProduct:  target,
		OrganizationID: strconv.FormatUint(uint64(orgID), 10),
		Payload:        payload,
		Timestamp:      at.UTC().Format(time.RFC3339),
	}
	if clientID != nil {
		env.ClientID = strconv.FormatUint(uint64(*clientID), 10)
	}
	return env
}
