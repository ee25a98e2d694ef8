package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayhub/internal/event"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(new(nullWriter))
	return logger
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestRegistry(cfg Config) *Registry {
	if cfg.DefaultQueueCapacity == 0 {
		cfg.DefaultQueueCapacity = 4
	}
	if cfg.DefaultOverflowPolicy == "" {
		cfg.DefaultOverflowPolicy = OverflowDisconnect
	}
	return New(cfg, testLogger())
}

func envelopeOfType(eventType, tenantID string) *event.Envelope {
	return &event.Envelope{
		EventID:       "evt-" + eventType,
		EventType:     eventType,
		SchemaVersion: 1,
		TenantID:      tenantID,
		AggregateID:   "agg-1",
		OccurredAt:    time.Now().UTC(),
		Producer:      "test",
		Payload:       json.RawMessage(`{}`),
	}
}

func TestRegistry_RegisterAndForEach(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ConnectionID)

	var matched []*Record
	reg.ForEach("tenant-1", "order_created", func(r *Record) {
		matched = append(matched, r)
	})
	require.Len(t, matched, 1)
	assert.Equal(t, record.ConnectionID, matched[0].ConnectionID)
}

func TestRegistry_RegisterRequiresTenantID(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	_, err := reg.Register(context.Background(), "", "user-1", ProtocolOneWay)
	assert.Error(t, err)
}

func TestRegistry_ForEachRespectsSubscriptionFilters(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(record.ConnectionID, []string{"order_*"}))

	var matchedOrders, matchedNotifications int
	reg.ForEach("tenant-1", "order_created", func(r *Record) { matchedOrders++ })
	reg.ForEach("tenant-1", "notification_sent", func(r *Record) { matchedNotifications++ })

	assert.Equal(t, 1, matchedOrders)
	assert.Equal(t, 0, matchedNotifications)
}

func TestRegistry_UnsubscribeRemovesFilter(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(record.ConnectionID, []string{"order_*"}))
	require.NoError(t, reg.Unsubscribe(record.ConnectionID, []string{"order_*"}))

	var matched int
	reg.ForEach("tenant-1", "order_created", func(r *Record) { matched++ })
	// With no filters registered, matches() treats the connection as
	// subscribed to everything again.
	assert.Equal(t, 1, matched)
}

func TestRegistry_TenantIsolation(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	_, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), "tenant-2", "user-2", ProtocolOneWay)
	require.NoError(t, err)

	var tenant1Matches int
	reg.ForEach("tenant-1", "order_created", func(r *Record) { tenant1Matches++ })
	assert.Equal(t, 1, tenant1Matches)

	stats := reg.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.PerTenant["tenant-1"])
	assert.Equal(t, 1, stats.PerTenant["tenant-2"])
}

func TestRegistry_Remove(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)
	reg.Remove(record.ConnectionID, "test teardown")

	assert.False(t, record.Alive())
	assert.Equal(t, 0, reg.TenantConnectionCount("tenant-1"))

	// Outbound channel should be closed so a writer goroutine draining it
	// observes the close rather than blocking forever.
	_, ok := <-record.Outbound()
	assert.False(t, ok)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		reg.Remove(record.ConnectionID, "first")
		reg.Remove(record.ConnectionID, "second")
	})
}

func TestRegistry_EnqueueOverflowDisconnect(t *testing.T) {
	reg := newTestRegistry(Config{DefaultQueueCapacity: 1, DefaultOverflowPolicy: OverflowDisconnect})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	ok := reg.Enqueue(context.Background(), record, envelopeOfType("order_created", "tenant-1"))
	assert.True(t, ok)

	// Queue is now full (capacity 1); the next enqueue should trip the
	// disconnect overflow policy.
	ok = reg.Enqueue(context.Background(), record, envelopeOfType("order_created", "tenant-1"))
	assert.False(t, ok)
	assert.False(t, record.Alive())
	assert.Equal(t, CloseOverflowDisconnect, record.CloseCode())
}

func TestRegistry_EnqueueOverflowDropOldest(t *testing.T) {
	reg := newTestRegistry(Config{DefaultQueueCapacity: 1, DefaultOverflowPolicy: OverflowDropOldest})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	first := envelopeOfType("order_created", "tenant-1")
	second := envelopeOfType("order_updated", "tenant-1")

	assert.True(t, reg.Enqueue(context.Background(), record, first))
	assert.True(t, reg.Enqueue(context.Background(), record, second))
	assert.True(t, record.Alive())

	delivered := <-record.Outbound()
	assert.Equal(t, second.EventType, delivered.EventType)
}

func TestRegistry_EnqueueOverflowBlockWaitsForSpace(t *testing.T) {
	reg := newTestRegistry(Config{DefaultQueueCapacity: 1, DefaultOverflowPolicy: OverflowBlock})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	require.True(t, reg.Enqueue(context.Background(), record, envelopeOfType("order_created", "tenant-1")))

	var wg sync.WaitGroup
	wg.Add(1)
	var blockedResult bool
	go func() {
		defer wg.Done()
		blockedResult = reg.Enqueue(context.Background(), record, envelopeOfType("order_updated", "tenant-1"))
	}()

	// Drain one entry to make room; the blocked goroutine's send should
	// then succeed.
	<-record.Outbound()
	wg.Wait()
	assert.True(t, blockedResult)
}

func TestRegistry_EnqueueOverflowBlockRespectsContextCancellation(t *testing.T) {
	reg := newTestRegistry(Config{DefaultQueueCapacity: 1, DefaultOverflowPolicy: OverflowBlock})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)
	require.True(t, reg.Enqueue(context.Background(), record, envelopeOfType("order_created", "tenant-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok := reg.Enqueue(ctx, record, envelopeOfType("order_updated", "tenant-1"))
	assert.True(t, ok) // record still alive, just didn't accept this envelope
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	err := reg.Subscribe("does-not-exist", []string{"order_*"})
	assert.Error(t, err)
}

func TestRegistry_SubscribeInvalidGlob(t *testing.T) {
	reg := newTestRegistry(Config{})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	err = reg.Subscribe(record.ConnectionID, []string{"["})
	assert.Error(t, err)
}

func TestRegistry_IdleEvictionRemovesStaleConnections(t *testing.T) {
	reg := newTestRegistry(Config{IdleTimeout: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	defer reg.Shutdown()

	record, err := reg.Register(context.Background(), "tenant-1", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !record.Alive()
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_OnRegisterHookFires(t *testing.T) {
	var gotTenant string
	var mu sync.Mutex
	reg := newTestRegistry(Config{OnRegister: func(tenantID string) {
		mu.Lock()
		gotTenant = tenantID
		mu.Unlock()
	}})
	defer reg.Shutdown()

	_, err := reg.Register(context.Background(), "tenant-9", "user-1", ProtocolOneWay)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "tenant-9", gotTenant)
}
