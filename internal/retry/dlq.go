package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"relayhub/internal/config"
	"relayhub/internal/event"
	"relayhub/internal/metrics"
	"relayhub/internal/streambus"
)

// DLQEntry is one quarantined envelope as reported to an operator, grounded
// on the teacher's moveToDLQ/RetryDLQMessage pair in
// telemetry_stream_consumer.go: the dead-letter stream carries the original
// envelope plus failure metadata in its XAdd fields.
type DLQEntry struct {
	StreamID    string          `json:"stream_id"`
	OriginTopic string          `json:"origin_topic"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Reason      string          `json:"reason"`
	FailedAt    time.Time       `json:"failed_at"`
	Envelope    *event.Envelope `json:"envelope"`
}

// DLQManager lists, reprocesses, and alerts on dead-lettered envelopes.
// Reprocessing republishes the envelope to its origin topic (resetting any
// notion of attempts, since the stream bus itself is attempts-agnostic —
// only the outbox row tracked that count, and the row is already marked
// processed by the time its envelope reached the DLQ) and removes the
// quarantined entry.
type DLQManager struct {
	bus     streambus.Adapter
	client  *redis.Client
	metrics *metrics.Metrics
	cfg     config.RetryConfig
	logger  *logrus.Logger
}

// NewDLQManager builds a dead-letter manager. client must be the same Redis
// client backing bus (exposed via RedisAdapter.Client) so XRange/XDel can
// operate on the dead-letter streams the Adapter interface doesn't expose.
func NewDLQManager(bus streambus.Adapter, client *redis.Client, m *metrics.Metrics, cfg config.RetryConfig, logger *logrus.Logger) *DLQManager {
	return &DLQManager{bus: bus, client: client, metrics: m, cfg: cfg, logger: logger}
}

// List returns up to limit entries currently in topic's dead-letter stream,
// oldest first.
func (d *DLQManager) List(ctx context.Context, dlqStreamKey, originTopic string, limit int64) ([]DLQEntry, error) {
	msgs, err := d.client.XRangeN(ctx, dlqStreamKey, "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", dlqStreamKey, err)
	}
	entries := make([]DLQEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeDLQMessage(msg, originTopic)
		if err != nil {
			d.logger.WithError(err).WithField("stream_id", msg.ID).Warn("retry: dropping undecodable dlq entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeDLQMessage(msg redis.XMessage, originTopic string) (DLQEntry, error) {
	raw, _ := msg.Values["data"].(string)
	envelope, err := event.Unmarshal([]byte(raw))
	if err != nil {
		return DLQEntry{}, err
	}
	entry := DLQEntry{
		StreamID:    msg.ID,
		OriginTopic: originTopic,
		EventID:     fmt.Sprint(msg.Values["event_id"]),
		EventType:   fmt.Sprint(msg.Values["event_type"]),
		Reason:      fmt.Sprint(msg.Values["reason"]),
		Envelope:    envelope,
	}
	if raw, ok := msg.Values["failed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			entry.FailedAt = t
		}
	}
	return entry, nil
}

// Reprocess republishes one dead-lettered entry to its origin topic and
// removes it from the dead-letter stream. A concurrent identical reprocess
// call is safe: the consumer side de-dups on event_id (spec.md §4.6/§7:
// "reprocessing a DLQ entry that then succeeds does not produce a second
// bus entry"), so a double-append here is harmless even though this manager
// doesn't itself check for one.
func (d *DLQManager) Reprocess(ctx context.Context, dlqStreamKey, originTopic, streamID string) error {
	msgs, err := d.client.XRangeN(ctx, dlqStreamKey, streamID, streamID, 1).Result()
	if err != nil {
		return fmt.Errorf("xrange %s: %w", dlqStreamKey, err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("dlq entry %s not found in %s", streamID, dlqStreamKey)
	}
	entry, err := decodeDLQMessage(msgs[0], originTopic)
	if err != nil {
		return fmt.Errorf("decode dlq entry %s: %w", streamID, err)
	}

	if _, err := d.bus.Append(ctx, originTopic, entry.Envelope); err != nil {
		return fmt.Errorf("reprocess: republish to %s: %w", originTopic, err)
	}
	if err := d.client.XDel(ctx, dlqStreamKey, streamID).Err(); err != nil {
		d.logger.WithError(err).WithField("stream_id", streamID).Warn("retry: republished entry but failed to remove from dlq")
	}
	d.logger.WithFields(logrus.Fields{
		"event_id":     entry.EventID,
		"origin_topic": originTopic,
		"stream_id":    streamID,
	}).Info("retry: reprocessed dlq entry")
	return nil
}

// ReprocessFiltered reprocesses every entry in dlqStreamKey for which match
// returns true, returning the count successfully republished.
func (d *DLQManager) ReprocessFiltered(ctx context.Context, dlqStreamKey, originTopic string, match func(DLQEntry) bool) (int, error) {
	entries, err := d.List(ctx, dlqStreamKey, originTopic, 10000)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !match(entry) {
			continue
		}
		if err := d.Reprocess(ctx, dlqStreamKey, originTopic, entry.StreamID); err != nil {
			d.logger.WithError(err).WithField("event_id", entry.EventID).Warn("retry: filtered reprocess failed for entry")
			continue
		}
		count++
	}
	return count, nil
}

// Depth returns the approximate current length of topic's dead-letter
// stream, recording it on the dlq_depth gauge.
func (d *DLQManager) Depth(ctx context.Context, dlqStreamKey, originTopic string) (int64, error) {
	n, err := d.client.XLen(ctx, dlqStreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", dlqStreamKey, err)
	}
	if d.metrics != nil {
		d.metrics.DLQDepth.WithLabelValues(originTopic).Set(float64(n))
	}
	return n, nil
}

// Alert is a single threshold crossing detected by CheckAlerts.
type Alert struct {
	Topic   string    `json:"topic"`
	Kind    string    `json:"kind"` // "depth", "age"
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CheckAlerts inspects dlqStreamKey against the configured depth and age
// thresholds (spec.md §4.6: "emits an alert when DLQ depth crosses a
// threshold [or] when oldest DLQ age exceeds a threshold"). Ingress-rate
// spikes are left to the Prometheus alerting layer over dlq_depth's rate of
// change, since this manager has no window state of its own to compute one.
func (d *DLQManager) CheckAlerts(ctx context.Context, dlqStreamKey, originTopic string, now time.Time) ([]Alert, error) {
	var alerts []Alert

	depth, err := d.Depth(ctx, dlqStreamKey, originTopic)
	if err != nil {
		return nil, err
	}
	if d.cfg.DLQAlertDepth > 0 && depth >= d.cfg.DLQAlertDepth {
		alerts = append(alerts, Alert{
			Topic:   originTopic,
			Kind:    "depth",
			Message: fmt.Sprintf("dlq depth %d exceeds threshold %d", depth, d.cfg.DLQAlertDepth),
			At:      now,
		})
	}

	if d.cfg.DLQAlertAge > 0 {
		oldest, err := d.client.XRangeN(ctx, dlqStreamKey, "-", "+", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", dlqStreamKey, err)
		}
		if len(oldest) > 0 {
			entry, err := decodeDLQMessage(oldest[0], originTopic)
			if err == nil && !entry.FailedAt.IsZero() {
				if age := now.Sub(entry.FailedAt); age >= d.cfg.DLQAlertAge {
					alerts = append(alerts, Alert{
						Topic:   originTopic,
						Kind:    "age",
						Message: fmt.Sprintf("oldest dlq entry is %s old, exceeds threshold %s", age, d.cfg.DLQAlertAge),
						At:      now,
					})
				}
			}
		}
	}

	for _, a := range alerts {
		d.logger.WithFields(logrus.Fields{"topic": a.Topic, "kind": a.Kind}).Warn(a.Message)
	}
	return alerts, nil
}
