package outbox

import (
	"context"

	"relayhub/internal/dbtx"
	"relayhub/internal/event"
	"relayhub/pkg/errors"
)

// Writer exposes the single operation the rest of the system is allowed to
// use to produce an event: Append. It must run inside a transaction the
// caller already owns — co-locating the outbox insert with the business
// write is the only way to guarantee the event exists iff the business
// change commits (see SPEC_FULL.md / spec.md §4.1).
type Writer struct {
	registry *event.SchemaRegistry
}

// NewWriter constructs a Writer bound to a schema registry. The registry is
// consulted on every Append so a payload that doesn't match its declared
// schema never reaches the outbox table.
func NewWriter(registry *event.SchemaRegistry) *Writer {
	return &Writer{registry: registry}
}

// Append validates and inserts one outbox row inside the transaction
// already injected into ctx by dbtx.Transactor.WithinTransaction. It
// performs exactly one insert and has no side effects outside that
// transaction.
//
// Fails with:
//   - ValidationError if the envelope doesn't match its registered schema
//   - TransactionRequiredError if ctx carries no live transaction
//   - DuplicateEventError if event_id already exists (caller bug: the same
//     event was appended twice)
func (w *Writer) Append(ctx context.Context, envelope *event.Envelope) error {
	if !dbtx.HasTx(ctx) {
		return errors.NewTransactionRequiredError()
	}
	if err := w.registry.ValidateEnvelope(envelope); err != nil {
		return err
	}

	row := Row{
		EventID:       envelope.EventID,
		EventType:     envelope.EventType,
		TenantID:      envelope.TenantID,
		AggregateID:   envelope.AggregateID,
		SchemaVersion: envelope.SchemaVersion,
		Payload:       []byte(envelope.Payload),
		Producer:      envelope.Producer,
		TraceID:       envelope.TraceID,
		UserID:        envelope.UserID,
		OccurredAt:    envelope.OccurredAt,
	}

	db := dbtx.GetDB(ctx, nil)
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.IsDatabaseUniqueViolation(err) {
			return errors.NewDuplicateEventError(envelope.EventID)
		}
		return errors.WrapInternalError(err, "failed to insert outbox row")
	}
	return nil
}
