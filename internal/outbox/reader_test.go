package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayhub/internal/event"
	"relayhub/internal/retry"
	"relayhub/internal/streambus"
)

// fakeBus is a minimal in-memory streambus.Adapter stub for reader tests;
// only Append and DeadLetter are exercised by the reader's per-row
// processing path.
type fakeBus struct {
	mu          sync.Mutex
	appended    []*event.Envelope
	deadLetters []*event.Envelope
	appendErr   error
}

func (f *fakeBus) Append(ctx context.Context, topic string, envelope *event.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return "", f.appendErr
	}
	f.appended = append(f.appended, envelope)
	return "1-0", nil
}

func (f *fakeBus) Read(ctx context.Context, group, consumer string, topics []string, count int64, block time.Duration) ([]streambus.Entry, error) {
	return nil, nil
}
func (f *fakeBus) Ack(ctx context.Context, group, topic, streamID string) error { return nil }
func (f *fakeBus) Pending(ctx context.Context, group, topic string) ([]streambus.PendingInfo, error) {
	return nil, nil
}
func (f *fakeBus) ClaimStale(ctx context.Context, group, topic, consumer string, minIdle time.Duration) ([]streambus.Entry, error) {
	return nil, nil
}
func (f *fakeBus) DeadLetter(ctx context.Context, topic string, envelope *event.Envelope, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, envelope)
	return nil
}
func (f *fakeBus) Trim(ctx context.Context, topic string, maxLen int64) error { return nil }
func (f *fakeBus) EnsureGroup(ctx context.Context, topic, group string, fromBeginning bool) error {
	return nil
}
func (f *fakeBus) Range(ctx context.Context, topic, afterID string) ([]streambus.Entry, error) {
	return nil, nil
}

func testReaderLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(new(nullWriter))
	return l
}

// testRegistryPoisonPayload registers order_created with a validator that
// always rejects its payload, simulating a genuinely poison (known type,
// bad payload) row, as distinct from a row whose event_type was never
// registered at all (see TestReader_ProcessOneForwardsUnknownTypeUntouched).
func testRegistryPoisonPayload() *event.SchemaRegistry {
	reg := event.NewSchemaRegistry("system")
	reg.Register(event.Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders", Validate: func(payload json.RawMessage) error {
		return errors.New("payload validation failed")
	}})
	return reg
}

func TestReader_ProcessOneAppendsAndMarksProcessed(t *testing.T) {
	db := newTestDB(t)
	bus := &fakeBus{}
	reg := testRegistry()
	backoff := retry.NewBackoff(time.Millisecond, time.Second)
	reader := NewReader(db, bus, reg, backoff, ReaderConfig{
		BatchSize: 10, PollInterval: time.Hour, VisibilityTimeout: time.Minute, MaxAttempts: 8, WorkerID: "test-worker",
	}, testReaderLogger())

	row := Row{EventID: "evt-1", EventType: "order_created", TenantID: "t1", AggregateID: "a1", SchemaVersion: 1, Payload: []byte(`{"total_minor_units":100}`), Producer: "p", OccurredAt: time.Now().UTC()}
	require.NoError(t, db.Create(&row).Error)

	claimed := claimedRow{row: row, envelope: rowToEnvelope(row)}
	reader.processOne(context.Background(), claimed)

	assert.Len(t, bus.appended, 1)
	assert.Equal(t, "evt-1", bus.appended[0].EventID)

	var updated Row
	require.NoError(t, db.First(&updated, row.ID).Error)
	assert.NotNil(t, updated.ProcessedAt)
	assert.Empty(t, updated.LockedBy)
	assert.Nil(t, updated.LockedUntil)
}

func TestReader_ProcessOneValidationFailureRetries(t *testing.T) {
	db := newTestDB(t)
	bus := &fakeBus{}
	reg := testRegistryPoisonPayload() // "order_created" registered, but its Validate always rejects the payload
	backoff := retry.NewBackoff(time.Millisecond, time.Second)
	reader := NewReader(db, bus, reg, backoff, ReaderConfig{
		BatchSize: 10, PollInterval: time.Hour, VisibilityTimeout: time.Minute, MaxAttempts: 8, WorkerID: "test-worker",
	}, testReaderLogger())

	row := Row{EventID: "evt-bad", EventType: "order_created", TenantID: "t1", AggregateID: "a1", SchemaVersion: 1, Payload: []byte(`{}`), Producer: "p", OccurredAt: time.Now().UTC()}
	require.NoError(t, db.Create(&row).Error)

	claimed := claimedRow{row: row, envelope: rowToEnvelope(row)}
	reader.processOne(context.Background(), claimed)

	assert.Empty(t, bus.appended)
	assert.Empty(t, bus.deadLetters)

	var updated Row
	require.NoError(t, db.First(&updated, row.ID).Error)
	assert.Nil(t, updated.ProcessedAt)
	assert.Equal(t, 1, updated.Attempts)
	assert.NotEmpty(t, updated.LastError)
	assert.Empty(t, updated.LockedBy)
}

func TestReader_ProcessOneMovesToDeadLetterAtMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	bus := &fakeBus{}
	reg := testRegistryPoisonPayload()
	backoff := retry.NewBackoff(time.Millisecond, time.Second)
	reader := NewReader(db, bus, reg, backoff, ReaderConfig{
		BatchSize: 10, PollInterval: time.Hour, VisibilityTimeout: time.Minute, MaxAttempts: 3, WorkerID: "test-worker",
	}, testReaderLogger())

	row := Row{
		EventID: "evt-poison", EventType: "order_created", TenantID: "t1", AggregateID: "a1",
		SchemaVersion: 1, Payload: []byte(`{}`), Producer: "p", OccurredAt: time.Now().UTC(),
		Attempts: 2, // one more failure reaches MaxAttempts
	}
	require.NoError(t, db.Create(&row).Error)

	claimed := claimedRow{row: row, envelope: rowToEnvelope(row)}
	reader.processOne(context.Background(), claimed)

	require.Len(t, bus.deadLetters, 1)
	assert.Equal(t, "evt-poison", bus.deadLetters[0].EventID)

	var updated Row
	require.NoError(t, db.First(&updated, row.ID).Error)
	assert.NotNil(t, updated.ProcessedAt)
	assert.True(t, updated.DeadLettered)
}

func TestReader_ProcessOneBusRejectRetriesThenDeadLetters(t *testing.T) {
	db := newTestDB(t)
	bus := &fakeBus{appendErr: errors.New("bus unavailable")}
	reg := testRegistry()
	backoff := retry.NewBackoff(time.Millisecond, time.Second)
	reader := NewReader(db, bus, reg, backoff, ReaderConfig{
		BatchSize: 10, PollInterval: time.Hour, VisibilityTimeout: time.Minute, MaxAttempts: 2, WorkerID: "test-worker",
	}, testReaderLogger())

	row := Row{EventID: "evt-flaky", EventType: "order_created", TenantID: "t1", AggregateID: "a1", SchemaVersion: 1, Payload: []byte(`{"total_minor_units":1}`), Producer: "p", OccurredAt: time.Now().UTC()}
	require.NoError(t, db.Create(&row).Error)

	claimed := claimedRow{row: row, envelope: rowToEnvelope(row)}
	reader.processOne(context.Background(), claimed)

	var afterFirst Row
	require.NoError(t, db.First(&afterFirst, row.ID).Error)
	assert.Nil(t, afterFirst.ProcessedAt)
	assert.Equal(t, 1, afterFirst.Attempts)

	// Second failure reaches MaxAttempts(2) -> dead letter.
	claimed2 := claimedRow{row: afterFirst, envelope: rowToEnvelope(afterFirst)}
	reader.processOne(context.Background(), claimed2)

	require.Len(t, bus.deadLetters, 1)
	var afterSecond Row
	require.NoError(t, db.First(&afterSecond, row.ID).Error)
	assert.NotNil(t, afterSecond.ProcessedAt)
	assert.True(t, afterSecond.DeadLettered)
}

func TestReader_ProcessOneForwardsUnknownTypeUntouched(t *testing.T) {
	db := newTestDB(t)
	bus := &fakeBus{}
	reg := testRegistry() // only "order_created" is registered
	backoff := retry.NewBackoff(time.Millisecond, time.Second)
	reader := NewReader(db, bus, reg, backoff, ReaderConfig{
		BatchSize: 10, PollInterval: time.Hour, VisibilityTimeout: time.Minute, MaxAttempts: 8, WorkerID: "test-worker",
	}, testReaderLogger())

	row := Row{EventID: "evt-unknown", EventType: "inventory_adjusted", TenantID: "t1", AggregateID: "a1", SchemaVersion: 1, Payload: []byte(`{"sku":"widget"}`), Producer: "p", OccurredAt: time.Now().UTC()}
	require.NoError(t, db.Create(&row).Error)

	claimed := claimedRow{row: row, envelope: rowToEnvelope(row)}
	reader.processOne(context.Background(), claimed)

	require.Len(t, bus.appended, 1)
	assert.Equal(t, "evt-unknown", bus.appended[0].EventID)
	assert.Empty(t, bus.deadLetters)

	var updated Row
	require.NoError(t, db.First(&updated, row.ID).Error)
	assert.NotNil(t, updated.ProcessedAt)
	assert.False(t, updated.DeadLettered)
	assert.Equal(t, 0, updated.Attempts)
}
