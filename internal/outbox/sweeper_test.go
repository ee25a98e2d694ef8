package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_PurgesOnlyProcessedRowsPastRetention(t *testing.T) {
	db := newTestDB(t)
	logger := logrus.New()
	logger.SetOutput(new(nullWriter))

	now := time.Now().UTC()
	oldProcessed := now.Add(-48 * time.Hour)
	recentProcessed := now.Add(-1 * time.Hour)

	rows := []Row{
		{EventID: "old-processed", EventType: "order_created", TenantID: "t1", AggregateID: "a1", SchemaVersion: 1, Payload: []byte("{}"), Producer: "p", OccurredAt: now, ProcessedAt: &oldProcessed},
		{EventID: "recent-processed", EventType: "order_created", TenantID: "t1", AggregateID: "a2", SchemaVersion: 1, Payload: []byte("{}"), Producer: "p", OccurredAt: now, ProcessedAt: &recentProcessed},
		{EventID: "unprocessed", EventType: "order_created", TenantID: "t1", AggregateID: "a3", SchemaVersion: 1, Payload: []byte("{}"), Producer: "p", OccurredAt: now},
	}
	for _, r := range rows {
		require.NoError(t, db.Create(&r).Error)
	}

	sweeper := NewSweeper(db, 24*time.Hour, time.Hour, logger)
	sweeper.sweep(context.Background())

	var remaining []Row
	require.NoError(t, db.Order("event_id").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	assert.Equal(t, "recent-processed", remaining[0].EventID)
	assert.Equal(t, "unprocessed", remaining[1].EventID)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
