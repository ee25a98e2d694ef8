package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relayhub/internal/event"
	"relayhub/internal/retry"
	"relayhub/internal/streambus"
)

// ReaderConfig mirrors internal/config.OutboxConfig; kept as a separate
// struct so this package doesn't import internal/config and stays usable
// in isolation (tests construct one directly).
type ReaderConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	WorkerID          string
}

// Reader polls unprocessed outbox rows, publishes them to the stream bus,
// and retires, retries, or dead-letters them. Grounded on the claim-batch
// / process / ack-or-retry loop shape of
// internal/workers/telemetry_stream_consumer.go's consumeBatch, adapted to
// a relational claim instead of a stream read.
type Reader struct {
	db       *gorm.DB
	bus      streambus.Adapter
	registry *event.SchemaRegistry
	backoff  retry.Backoff
	cfg      ReaderConfig
	logger   *logrus.Logger

	quit chan struct{}
	done chan struct{}
}

// NewReader constructs a Reader. db is the plain (non-transactional)
// handle — the reader manages its own short-lived transactions per batch,
// never holding a row lock across the bus Append call (see spec.md §5:
// "the bus append happens after the claim transaction commits the lock,
// not inside it").
func NewReader(db *gorm.DB, bus streambus.Adapter, registry *event.SchemaRegistry, backoff retry.Backoff, cfg ReaderConfig, logger *logrus.Logger) *Reader {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "reader-unknown"
	}
	return &Reader{
		db:       db,
		bus:      bus,
		registry: registry,
		backoff:  backoff,
		cfg:      cfg,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (r *Reader) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop signals the loop to finish its in-flight batch and exit, then
// blocks until it has.
func (r *Reader) Stop() {
	close(r.quit)
	<-r.done
}

func (r *Reader) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		case <-ticker.C:
			n, err := r.processBatch(ctx)
			if err != nil {
				r.logger.WithError(err).Warn("outbox reader: batch failed, backing off")
				continue
			}
			if n == 0 {
				// nothing claimed; next tick tries again at the normal
				// cadence, no extra backoff needed for an empty queue.
				continue
			}
		}
	}
}

// claimedRow pairs a claimed Row with the envelope decoded from it.
type claimedRow struct {
	row      Row
	envelope *event.Envelope
}

// processBatch claims up to BatchSize unprocessed rows, publishes each to
// the bus, and updates its terminal state. Returns the number of rows
// claimed (0 means nothing to do this tick).
func (r *Reader) processBatch(ctx context.Context) (int, error) {
	claimed, err := r.claimBatch(ctx)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	for _, c := range claimed {
		r.processOne(ctx, c)
	}
	return len(claimed), nil
}

// claimBatch runs the SKIP LOCKED claim inside its own short transaction:
// select candidate rows ordered by id, lock them, stamp locked_by/
// locked_until, and commit — releasing the row lock before any bus call
// happens, per the no-lock-across-bus-call rule in spec.md §5.
func (r *Reader) claimBatch(ctx context.Context) ([]claimedRow, error) {
	var claimed []claimedRow
	now := time.Now().UTC()
	lockUntil := now.Add(r.cfg.VisibilityTimeout)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Row
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed_at IS NULL AND (locked_until IS NULL OR locked_until < ?)", now).
			Order("id ASC").
			Limit(r.cfg.BatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := tx.Model(&Row{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"locked_by":    r.cfg.WorkerID,
			"locked_until": lockUntil,
		}).Error; err != nil {
			return err
		}

		for _, row := range rows {
			claimed = append(claimed, claimedRow{row: row, envelope: rowToEnvelope(row)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func rowToEnvelope(row Row) *event.Envelope {
	return &event.Envelope{
		EventID:       row.EventID,
		EventType:     row.EventType,
		SchemaVersion: row.SchemaVersion,
		TenantID:      row.TenantID,
		AggregateID:   row.AggregateID,
		OccurredAt:    row.OccurredAt,
		Producer:      row.Producer,
		TraceID:       row.TraceID,
		UserID:        row.UserID,
		Payload:       json.RawMessage(row.Payload),
	}
}

// processOne validates, appends, and finalizes a single claimed row. A
// registered event type is validated against its schema as usual; an event
// type the registry has never seen is logged and forwarded untouched
// rather than rejected (spec.md §6: "Unknown event types on read are
// logged and forwarded untouched; unknown on write is rejected" — the
// Writer still validates unconditionally at append time, see writer.go).
func (r *Reader) processOne(ctx context.Context, c claimedRow) {
	if !r.registry.KnownType(c.envelope.EventType) {
		r.logger.WithFields(logrus.Fields{
			"outbox_id":  c.row.ID,
			"event_type": c.envelope.EventType,
		}).Warn("outbox reader: unknown event type, forwarding untouched")
	} else if err := r.registry.ValidateEnvelope(c.envelope); err != nil {
		r.failOrDeadLetter(ctx, c, err)
		return
	}

	topic := c.envelope.Topic(r.registry)
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err := r.bus.Append(opCtx, topic, c.envelope)
	cancel()
	if err != nil {
		r.failOrDeadLetter(ctx, c, err)
		return
	}

	r.markProcessed(ctx, c.row.ID)
}

// failOrDeadLetter increments attempts and either schedules a retry (clears
// the lock so the row is re-claimable after its backoff window) or, once
// max_attempts is reached, moves the envelope to the DLQ and marks the row
// processed with a permanent-failure tag.
func (r *Reader) failOrDeadLetter(ctx context.Context, c claimedRow, cause error) {
	attempts := c.row.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, c, cause.Error())
		return
	}

	delay := r.backoff.Delay(attempts - 1)
	nextUnlock := time.Now().UTC().Add(delay)
	err := r.db.WithContext(ctx).Model(&Row{}).Where("id = ?", c.row.ID).Updates(map[string]interface{}{
		"attempts":     attempts,
		"last_error":   cause.Error(),
		"locked_by":    "",
		"locked_until": nextUnlock,
	}).Error
	if err != nil {
		r.logger.WithError(err).WithField("outbox_id", c.row.ID).Error("outbox reader: failed to record retry state")
	}
}

func (r *Reader) deadLetter(ctx context.Context, c claimedRow, reason string) {
	topic := c.envelope.Topic(r.registry)
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := r.bus.DeadLetter(opCtx, topic, c.envelope, reason); err != nil {
		cancel()
		r.logger.WithError(err).WithField("outbox_id", c.row.ID).Error("outbox reader: failed to write dead letter, leaving row locked for retry")
		return
	}
	cancel()

	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&Row{}).Where("id = ?", c.row.ID).Updates(map[string]interface{}{
		"processed_at":  now,
		"dead_lettered": true,
		"last_error":    reason,
		"locked_by":     "",
		"locked_until":  nil,
	}).Error
	if err != nil {
		r.logger.WithError(err).WithField("outbox_id", c.row.ID).Error("outbox reader: failed to mark row dead-lettered")
	}
}

func (r *Reader) markProcessed(ctx context.Context, id int64) {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&Row{}).Where("id = ?", id).Updates(map[string]interface{}{
		"processed_at": now,
		"locked_by":    "",
		"locked_until": nil,
	}).Error
	if err != nil {
		r.logger.WithError(err).WithField("outbox_id", id).Error("outbox reader: failed to mark row processed")
	}
}
