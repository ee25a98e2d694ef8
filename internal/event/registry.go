package event

import (
	"encoding/json"
	"fmt"
	"sync"

	"relayhub/pkg/errors"
)

// Schema describes one registered (event_type, schema_version) pair: which
// topic it is routed to, and a validation function run against the raw
// payload bytes. Validation is intentionally pluggable rather than a single
// hardcoded JSON-schema engine — callers register a closure built from
// whatever shape-checking they need (struct unmarshal, required-field
// checks, etc.).
type Schema struct {
	EventType     string
	SchemaVersion int
	Topic         string
	Validate      func(payload json.RawMessage) error
}

// SchemaRegistry holds every known (event_type, schema_version) pair,
// populated explicitly at startup — never via import-time side effects, so
// tests can construct a registry with only the schemas they need.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]Schema
	// defaultTopic is used for event types with no registered schema when
	// the caller is only interested in routing (e.g. the reader forwarding
	// an unknown type on read, per spec: "unknown event types on read are
	// logged and forwarded untouched").
	defaultTopic string
}

type schemaKey struct {
	eventType     string
	schemaVersion int
}

// NewSchemaRegistry creates an empty registry. Call Register for every
// known event type before starting the outbox reader.
func NewSchemaRegistry(defaultTopic string) *SchemaRegistry {
	return &SchemaRegistry{
		schemas:      make(map[schemaKey]Schema),
		defaultTopic: defaultTopic,
	}
}

// Register adds a schema. Re-registering the same (event_type, version)
// overwrites the previous entry — used by tests to stub validation.
func (r *SchemaRegistry) Register(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey{s.EventType, s.SchemaVersion}] = s
}

// Lookup returns the schema for an (event_type, schema_version) pair.
func (r *SchemaRegistry) Lookup(eventType string, schemaVersion int) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[schemaKey{eventType, schemaVersion}]
	return s, ok
}

// TopicFor returns the topic registered for an event type, falling back to
// defaultTopic if no schema of any version has been registered for it.
func (r *SchemaRegistry) TopicFor(eventType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, s := range r.schemas {
		if k.eventType == eventType {
			return s.Topic
		}
	}
	return r.defaultTopic
}

// ValidateEnvelope validates an envelope's structural fields and, if a
// schema is registered for its (event_type, schema_version), its payload.
// An envelope whose (event_type, schema_version) has no registered schema
// is always rejected; the reader checks KnownType first and forwards
// unregistered types without calling this.
func (r *SchemaRegistry) ValidateEnvelope(e *Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	schema, ok := r.Lookup(e.EventType, e.SchemaVersion)
	if !ok {
		return errors.NewValidationError(
			fmt.Sprintf("no schema registered for event_type=%s schema_version=%d", e.EventType, e.SchemaVersion),
			"unknown event types are rejected on write",
		)
	}
	if schema.Validate == nil {
		return nil
	}
	if err := schema.Validate(e.Payload); err != nil {
		return errors.WrapValidationError(err, fmt.Sprintf("payload validation failed for %s v%d", e.EventType, e.SchemaVersion))
	}
	return nil
}

// KnownType reports whether any version of eventType has been registered,
// used by the reader to decide whether to log-and-forward an unknown type
// on read rather than rejecting it outright (write-time rejection only).
func (r *SchemaRegistry) KnownType(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.schemas {
		if k.eventType == eventType {
			return true
		}
	}
	return false
}
