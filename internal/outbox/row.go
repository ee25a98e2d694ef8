// Package outbox implements the transactional outbox: a Writer that
// appends event rows inside a caller-supplied transaction, and a Reader
// that polls unprocessed rows, publishes them to the stream bus, and
// retires or dead-letters them.
package outbox

import (
	"time"
)

// Row is the GORM model backing the event_outbox table (see
// migrations/postgres for the schema). It mirrors the Outbox Row data
// model in full, including the claim fields used by the SKIP LOCKED poll.
type Row struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;uniqueIndex;not null"`
	EventType     string     `gorm:"column:event_type;not null"`
	TenantID      string     `gorm:"column:tenant_id;not null;index"`
	AggregateID   string     `gorm:"column:aggregate_id;not null"`
	SchemaVersion int        `gorm:"column:schema_version;not null"`
	Payload       []byte     `gorm:"column:payload;type:jsonb;not null"`
	Producer      string     `gorm:"column:producer;not null"`
	TraceID       string     `gorm:"column:trace_id"`
	UserID        string     `gorm:"column:user_id"`
	OccurredAt    time.Time  `gorm:"column:occurred_at;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	ProcessedAt   *time.Time `gorm:"column:processed_at;index:idx_outbox_unprocessed,priority:1"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LastError     string     `gorm:"column:last_error"`
	LockedBy      string     `gorm:"column:locked_by"`
	LockedUntil   *time.Time `gorm:"column:locked_until"`
	DeadLettered  bool       `gorm:"column:dead_lettered;not null;default:false"`
}

// TableName pins the GORM table name so SQLite test databases and Postgres
// agree regardless of pluralization rules.
func (Row) TableName() string {
	return "event_outbox"
}
