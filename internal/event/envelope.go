// Package event defines the canonical event envelope and the schema
// registry that validates it. It has no I/O of its own; the outbox writer,
// reader, and stream bus all depend on the types here rather than on each
// other's internal representations.
package event

import (
	"encoding/json"
	"time"

	"relayhub/pkg/errors"
)

// Envelope is the stable wire contract for every domain event flowing
// through the outbox, the stream bus, and the push endpoints.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Validate checks the fields a schema registry cannot check on its own:
// presence of the identifying fields required for routing and de-dup.
// Payload-shape validation is delegated to the registry.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return errors.NewValidationError("envelope missing event_id", "")
	}
	if e.EventType == "" {
		return errors.NewValidationError("envelope missing event_type", "")
	}
	if e.TenantID == "" {
		return errors.NewValidationError("envelope missing tenant_id", "")
	}
	if e.AggregateID == "" {
		return errors.NewValidationError("envelope missing aggregate_id", "")
	}
	if e.OccurredAt.IsZero() {
		return errors.NewValidationError("envelope missing occurred_at", "")
	}
	if e.Producer == "" {
		return errors.NewValidationError("envelope missing producer", "")
	}
	if e.SchemaVersion <= 0 {
		return errors.NewValidationError("envelope schema_version must be positive", "")
	}
	return nil
}

// Topic derives the stream-bus topic for this envelope from its event type,
// e.g. "order_created" -> "orders". Producers register the mapping; an
// unmapped event type falls back to "system".
func (e *Envelope) Topic(registry *SchemaRegistry) string {
	return registry.TopicFor(e.EventType)
}

// Marshal serializes the envelope to the self-describing JSON form stored
// on the stream bus and the outbox row.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope previously produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapValidationError(err, "invalid envelope JSON")
	}
	return &e, nil
}
