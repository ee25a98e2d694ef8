package push

import (
	"context"
	"time"

	"relayhub/internal/event"
	"relayhub/internal/streambus"
)

// fakeBus is a minimal in-memory streambus.Adapter double used to exercise
// the reconnect catch-up path (Range) without standing up miniredis; every
// other method is a no-op since no test here drives the dispatcher loop.
type fakeBus struct {
	entries map[string][]streambus.Entry
}

func newFakeBus() *fakeBus {
	return &fakeBus{entries: make(map[string][]streambus.Entry)}
}

func (b *fakeBus) seed(topic, streamID string, envelope *event.Envelope) {
	b.entries[topic] = append(b.entries[topic], streambus.Entry{StreamID: streamID, Topic: topic, Envelope: envelope})
}

func (b *fakeBus) Append(ctx context.Context, topic string, envelope *event.Envelope) (string, error) {
	return "", nil
}

func (b *fakeBus) Read(ctx context.Context, group, consumer string, topics []string, count int64, block time.Duration) ([]streambus.Entry, error) {
	return nil, nil
}

func (b *fakeBus) Ack(ctx context.Context, group, topic, streamID string) error { return nil }

func (b *fakeBus) Pending(ctx context.Context, group, topic string) ([]streambus.PendingInfo, error) {
	return nil, nil
}

func (b *fakeBus) ClaimStale(ctx context.Context, group, topic, consumer string, minIdle time.Duration) ([]streambus.Entry, error) {
	return nil, nil
}

func (b *fakeBus) DeadLetter(ctx context.Context, topic string, envelope *event.Envelope, reason string) error {
	return nil
}

func (b *fakeBus) Trim(ctx context.Context, topic string, maxLen int64) error { return nil }

func (b *fakeBus) EnsureGroup(ctx context.Context, topic, group string, fromBeginning bool) error {
	return nil
}

func (b *fakeBus) Range(ctx context.Context, topic, afterID string) ([]streambus.Entry, error) {
	return b.entries[topic], nil
}
