// Package push implements the two wire protocols client connections use to
// receive fanned-out events: a one-way SSE stream and a bidirectional
// WebSocket socket, both backed by the same internal/registry connection
// directory (spec.md §4.5). The SSE handler is grounded on
// internal/transport/http/handlers/playground/stream.go's header-and-flush
// loop; the WebSocket handler is grounded on
// internal/transport/http/handlers/websocket/websocket.go's Hub/Client
// split, generalized from a single global Hub to the sharded, tenant-scoped
// Registry and given real subscribe/unsubscribe/stats control frames.
package push

import (
	"time"

	"relayhub/internal/config"
)

// channel describes one routable endpoint: which event-type glob it grants
// by default, the origin stream-bus topics it draws from (used to resolve
// reconnect catch-up reads against the right stream(s)), and for SSE, how
// often to emit a heartbeat comment.
type channel struct {
	name          string
	defaultFilter string
	topics        []string
	sseHeartbeat  time.Duration
}

// channelsFor builds the general/orders/notifications channel table from
// push configuration (spec.md §6: "push.heartbeat_seconds per channel
// (30/45/60)"). The topic lists mirror the fixed origin-topic set this
// deployment routes events to (internal/event.RegisterDefaults,
// internal/app.knownTopics): "general" spans every topic, the other
// channels map one-to-one onto the topic their default filter targets.
func channelsFor(cfg config.PushConfig) map[string]channel {
	return map[string]channel{
		"general": {
			name:          "general",
			defaultFilter: "*",
			topics:        []string{"orders", "notifications", "system"},
			sseHeartbeat:  cfg.SSEHeartbeatDefault,
		},
		"orders": {
			name:          "orders",
			defaultFilter: "order_*",
			topics:        []string{"orders"},
			sseHeartbeat:  cfg.SSEHeartbeatOrders,
		},
		"notifications": {
			name:          "notifications",
			defaultFilter: "notification_*",
			topics:        []string{"notifications"},
			sseHeartbeat:  cfg.SSEHeartbeatNotif,
		},
	}
}
