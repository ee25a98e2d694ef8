package push

import (
	"context"

	"github.com/sirupsen/logrus"

	"relayhub/internal/registry"
	"relayhub/internal/streambus"
)

// replayMissed catches a reconnecting connection up on everything it missed
// on channel's topics since afterEventID, per spec.md §7 ("a connection
// that reconnects within the stream retention window ... receives all
// missed events for its subscriptions"). It reads each topic's full
// retained history with streambus.Adapter's XRANGE-backed Range (a
// point-in-time catch-up for one connection, not the competing-consumer
// Read path the dispatcher uses), locates afterEventID, and replays
// everything after it, oldest first, through the same Enqueue/
// overflow-policy path as live dispatch — so a catch-up burst that
// overflows a bounded queue is handled identically to one that arrives
// live. If afterEventID isn't found in retained history (evicted by
// retention or never existed), that topic's replay is skipped rather than
// flooding the connection with the entire backlog.
func replayMissed(ctx context.Context, bus streambus.Adapter, reg *registry.Registry, record *registry.Record, topics []string, afterEventID string, logger *logrus.Logger) {
	if afterEventID == "" {
		return
	}

	for _, topic := range topics {
		entries, err := bus.Range(ctx, topic, "")
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"connection_id": record.ConnectionID,
				"topic":         topic,
			}).Warn("push: catch-up range failed")
			continue
		}

		anchor := -1
		for i, entry := range entries {
			if entry.Envelope.EventID == afterEventID {
				anchor = i
				break
			}
		}
		if anchor == -1 {
			continue
		}

		for _, entry := range entries[anchor+1:] {
			if !record.Matches(entry.Envelope.EventType) {
				continue
			}
			if ok := reg.Enqueue(ctx, record, entry.Envelope); !ok {
				return // record was torn down (overflow disconnect or already dead)
			}
			record.SetLastEventID(topic, entry.Envelope.EventID)
		}
	}
}
