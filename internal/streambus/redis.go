package streambus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"relayhub/internal/event"
)

// RedisAdapter implements Adapter on top of Redis Streams.
type RedisAdapter struct {
	client  *redis.Client
	logger  *logrus.Logger
	product string
	maxLen  int64
}

// NewRedisAdapter builds a stream bus adapter. product namespaces every
// stream key as "{product}:stream:{topic}" and "{product}:dlq:{topic}" per
// SPEC_FULL.md §6 naming convention. maxLen bounds approximate trimming
// applied after every Append (XAdd MaxLen ~).
func NewRedisAdapter(client *redis.Client, logger *logrus.Logger, product string, maxLen int64) *RedisAdapter {
	return &RedisAdapter{client: client, logger: logger, product: product, maxLen: maxLen}
}

func (a *RedisAdapter) streamKey(topic string) string {
	return fmt.Sprintf("%s:stream:%s", a.product, topic)
}

func (a *RedisAdapter) dlqKey(topic string) string {
	return fmt.Sprintf("%s:dlq:%s", a.product, topic)
}

// Append publishes the envelope's serialized JSON under the "data" field
// and lets Redis assign the stream id. Approximate MaxLen trimming keeps
// the stream bounded without the exact-trim cost (same tradeoff the
// teacher's telemetry producer makes in reverse: it skips MaxLen
// entirely and relies on TTL; here we use both, since spec.md calls for
// an explicit Trim operation on top of steady-state capping).
func (a *RedisAdapter) Append(ctx context.Context, topic string, envelope *event.Envelope) (string, error) {
	data, err := envelope.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	id, err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.streamKey(topic),
		MaxLen: a.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id": envelope.EventID,
			"data":     data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", a.streamKey(topic), err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group, tolerating BUSYGROUP the same
// way the teacher's discovery loop does for telemetry streams.
func (a *RedisAdapter) EnsureGroup(ctx context.Context, topic, group string, fromBeginning bool) error {
	start := "$"
	if fromBeginning {
		start = "0"
	}
	err := a.client.XGroupCreateMkStream(ctx, a.streamKey(topic), group, start).Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("xgroup create %s/%s: %w", a.streamKey(topic), group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Read issues a blocking XREADGROUP across topics for (group, consumer).
func (a *RedisAdapter) Read(ctx context.Context, group, consumer string, topics []string, count int64, block time.Duration) ([]Entry, error) {
	streams := make([]string, 0, len(topics)*2)
	keyToTopic := make(map[string]string, len(topics))
	for _, t := range topics {
		key := a.streamKey(t)
		streams = append(streams, key)
		keyToTopic[key] = t
	}
	for range topics {
		streams = append(streams, ">")
	}

	res, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, streamRes := range res {
		topic := keyToTopic[streamRes.Stream]
		for _, msg := range streamRes.Messages {
			raw, _ := msg.Values["data"].(string)
			envelope, decodeErr := event.Unmarshal([]byte(raw))
			if decodeErr != nil {
				a.logger.WithError(decodeErr).WithField("stream_id", msg.ID).Warn("streambus: dropping undecodable entry")
				continue
			}
			entries = append(entries, Entry{StreamID: msg.ID, Topic: topic, Envelope: envelope})
		}
	}
	return entries, nil
}

func (a *RedisAdapter) Ack(ctx context.Context, group, topic, streamID string) error {
	return a.client.XAck(ctx, a.streamKey(topic), group, streamID).Err()
}

func (a *RedisAdapter) Pending(ctx context.Context, group, topic string) ([]PendingInfo, error) {
	res, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: a.streamKey(topic),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingInfo, 0, len(res))
	for _, p := range res {
		out = append(out, PendingInfo{
			StreamID:   p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

func (a *RedisAdapter) ClaimStale(ctx context.Context, group, topic, consumer string, minIdle time.Duration) ([]Entry, error) {
	pending, err := a.Pending(ctx, group, topic)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.StreamID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := a.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   a.streamKey(topic),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s/%s: %w", a.streamKey(topic), group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["data"].(string)
		envelope, decodeErr := event.Unmarshal([]byte(raw))
		if decodeErr != nil {
			a.logger.WithError(decodeErr).WithField("stream_id", msg.ID).Warn("streambus: dropping undecodable claimed entry")
			continue
		}
		entries = append(entries, Entry{StreamID: msg.ID, Topic: topic, Envelope: envelope})
	}
	return entries, nil
}

// DeadLetter appends to the topic's dead-letter stream, tagging it with
// the failure reason and retaining it for a generous window regardless of
// the origin stream's MaxLen (mirrors moveToDLQ in the teacher's telemetry
// consumer, including the best-effort TTL refresh).
func (a *RedisAdapter) DeadLetter(ctx context.Context, topic string, envelope *event.Envelope, reason string) error {
	data, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := a.dlqKey(topic)
	_, err = a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":   envelope.EventID,
			"event_type": envelope.EventType,
			"reason":     reason,
			"failed_at":  time.Now().UTC().Format(time.RFC3339),
			"data":       data,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq %s: %w", key, err)
	}
	if ttlErr := a.client.Expire(ctx, key, 30*24*time.Hour).Err(); ttlErr != nil {
		a.logger.WithError(ttlErr).WithField("dlq", key).Warn("streambus: failed to refresh dlq retention ttl")
	}
	return nil
}

// Range reads history on topic's stream strictly after afterID (an empty
// afterID starts from the beginning of retained history), used to catch a
// reconnecting subscriber up on everything it missed.
func (a *RedisAdapter) Range(ctx context.Context, topic, afterID string) ([]Entry, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	msgs, err := a.client.XRange(ctx, a.streamKey(topic), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", a.streamKey(topic), err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["data"].(string)
		envelope, decodeErr := event.Unmarshal([]byte(raw))
		if decodeErr != nil {
			a.logger.WithError(decodeErr).WithField("stream_id", msg.ID).Warn("streambus: dropping undecodable entry during catch-up range")
			continue
		}
		entries = append(entries, Entry{StreamID: msg.ID, Topic: topic, Envelope: envelope})
	}
	return entries, nil
}

func (a *RedisAdapter) Trim(ctx context.Context, topic string, maxLen int64) error {
	return a.client.XTrimMaxLenApprox(ctx, a.streamKey(topic), maxLen, 0).Err()
}

// DLQStreamKey exposes the dead-letter stream key for a topic so the retry
// manager can read/reprocess entries directly.
func (a *RedisAdapter) DLQStreamKey(topic string) string {
	return a.dlqKey(topic)
}

// Client exposes the underlying redis client for components (retry
// manager, metrics) that need operations outside the Adapter interface,
// such as XRange/XDel on the DLQ stream.
func (a *RedisAdapter) Client() *redis.Client {
	return a.client
}
