// Package streambus abstracts a log-structured stream with consumer
// groups, acknowledgements, pending-entry inspection, claim-on-timeout,
// dead-lettering, and trimming. It is the only package aware of the
// concrete stream technology (Redis Streams); every other component in
// this system depends on the Adapter interface, not on redis directly.
//
// Grounded on internal/infrastructure/streams/telemetry_stream.go (append +
// TTL retention) and internal/workers/telemetry_stream_consumer.go
// (XReadGroup/XAck/XGroupCreateMkStream/XClaim/DLQ XAdd patterns) in the
// teacher repo.
package streambus

import (
	"context"
	"time"

	"relayhub/internal/event"
)

// Entry is one delivered stream record: the bus-assigned id, the topic it
// was read from, and the decoded envelope it carries.
type Entry struct {
	StreamID string
	Topic    string
	Envelope *event.Envelope
}

// PendingInfo describes one entry a consumer group has delivered but not
// yet acknowledged.
type PendingInfo struct {
	StreamID string
	Consumer string
	Idle     time.Duration
	Deliveries int64
}

// Adapter is the stream bus contract every other component depends on.
type Adapter interface {
	// Append publishes envelope to topic and returns the bus-assigned
	// stream id. Idempotent on event_id is a contract the reader upholds
	// by claiming rows exactly once before calling Append; the adapter
	// itself does not de-dup.
	Append(ctx context.Context, topic string, envelope *event.Envelope) (streamID string, err error)

	// Read pulls up to count entries for (group, consumer) across topics,
	// blocking up to block for new data if none is immediately pending.
	Read(ctx context.Context, group, consumer string, topics []string, count int64, block time.Duration) ([]Entry, error)

	// Ack acknowledges one delivered entry, removing it from the group's
	// pending entries list.
	Ack(ctx context.Context, group, topic, streamID string) error

	// Pending returns the group's outstanding (unacknowledged) entries
	// for topic.
	Pending(ctx context.Context, group, topic string) ([]PendingInfo, error)

	// ClaimStale reclaims entries idle for at least minIdle under group on
	// topic, reassigning them to consumer so a dead consumer's unacked
	// work is picked back up.
	ClaimStale(ctx context.Context, group, topic, consumer string, minIdle time.Duration) ([]Entry, error)

	// DeadLetter appends envelope to topic's dead-letter stream along with
	// a human-readable reason.
	DeadLetter(ctx context.Context, topic string, envelope *event.Envelope, reason string) error

	// Trim caps topic (and, implicitly, its dead-letter counterpart is
	// trimmed independently) to approximately maxLen entries.
	Trim(ctx context.Context, topic string, maxLen int64) error

	// EnsureGroup creates the consumer group for (topic, group) if it
	// doesn't already exist, starting its cursor at the stream's current
	// end ("$") so a freshly-created group doesn't replay history, unless
	// fromBeginning is true.
	EnsureGroup(ctx context.Context, topic, group string, fromBeginning bool) error

	// Range reads every entry on topic strictly after afterID up to the
	// stream's current end, in ascending order. It is the reconnect
	// catch-up primitive: a client resubscribing with a prior last-event
	// stream id gets replayed everything it missed before live delivery
	// resumes. afterID is a bare stream id; the adapter turns it into an
	// exclusive XRANGE start ("(<id>") itself. The empty string means "from
	// the start of retained history".
	Range(ctx context.Context, topic, afterID string) ([]Entry, error)
}
