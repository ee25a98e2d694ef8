package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"relayhub/internal/dbtx"
	"relayhub/internal/event"
	apperrors "relayhub/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Row{}))
	return db
}

func testRegistry() *event.SchemaRegistry {
	reg := event.NewSchemaRegistry("system")
	reg.Register(event.Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders"})
	return reg
}

func testEnvelope() *event.Envelope {
	return &event.Envelope{
		EventID:       "evt-1",
		EventType:     "order_created",
		SchemaVersion: 1,
		TenantID:      "tenant-1",
		AggregateID:   "order-1",
		OccurredAt:    time.Now().UTC(),
		Producer:      "orders-service",
		Payload:       json.RawMessage(`{"total_minor_units":2998}`),
	}
}

func TestWriter_AppendRequiresTransaction(t *testing.T) {
	w := NewWriter(testRegistry())

	err := w.Append(context.Background(), testEnvelope())
	assert.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.TransactionRequiredError, appErr.Type)
}

func TestWriter_AppendInsertsRowInsideTransaction(t *testing.T) {
	db := newTestDB(t)
	w := NewWriter(testRegistry())
	envelope := testEnvelope()

	transactor := dbtx.NewTransactor(db)
	err := transactor.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return w.Append(ctx, envelope)
	})
	require.NoError(t, err)

	var row Row
	require.NoError(t, db.Where("event_id = ?", envelope.EventID).First(&row).Error)
	assert.Equal(t, envelope.EventType, row.EventType)
	assert.Equal(t, envelope.TenantID, row.TenantID)
	assert.Nil(t, row.ProcessedAt)
	assert.Equal(t, 0, row.Attempts)
}

func TestWriter_AppendRollsBackWithBusinessTransaction(t *testing.T) {
	db := newTestDB(t)
	w := NewWriter(testRegistry())
	envelope := testEnvelope()

	transactor := dbtx.NewTransactor(db)
	err := transactor.WithinTransaction(context.Background(), func(ctx context.Context) error {
		if err := w.Append(ctx, envelope); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	var count int64
	db.Model(&Row{}).Where("event_id = ?", envelope.EventID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestWriter_AppendDuplicateEventID(t *testing.T) {
	db := newTestDB(t)
	w := NewWriter(testRegistry())
	envelope := testEnvelope()

	transactor := dbtx.NewTransactor(db)
	require.NoError(t, transactor.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return w.Append(ctx, envelope)
	}))

	err := transactor.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return w.Append(ctx, envelope)
	})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.DuplicateEventError, appErr.Type)
}

func TestWriter_AppendValidationFailure(t *testing.T) {
	db := newTestDB(t)
	w := NewWriter(testRegistry())
	envelope := testEnvelope()
	envelope.EventType = "unregistered_type"

	transactor := dbtx.NewTransactor(db)
	err := transactor.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return w.Append(ctx, envelope)
	})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ValidationError, appErr.Type)
}
