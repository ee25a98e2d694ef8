package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relayhub/internal/auth"
	"relayhub/internal/config"
	"relayhub/internal/registry"
	"relayhub/internal/streambus"
	"relayhub/pkg/response"
	pushws "relayhub/pkg/websocket"
)

// SSEHandler serves the one-way event stream: /stream, /stream/orders,
// /stream/notifications. Grounded on
// internal/transport/http/handlers/playground/stream.go's header-and-flush
// SSE loop, generalized from a single request-scoped event channel to a
// registry connection record fed by the tenant dispatcher.
type SSEHandler struct {
	registry  *registry.Registry
	bus       streambus.Adapter
	validator *auth.Validator
	channels  map[string]channel
	logger    *logrus.Logger
}

// NewSSEHandler constructs the SSE handler.
func NewSSEHandler(reg *registry.Registry, bus streambus.Adapter, validator *auth.Validator, cfg config.PushConfig, logger *logrus.Logger) *SSEHandler {
	return &SSEHandler{registry: reg, bus: bus, validator: validator, channels: channelsFor(cfg), logger: logger}
}

// Handle serves one of the SSE channel routes; chanName is "general",
// "orders", or "notifications" depending on the route the caller registered
// it under.
func (h *SSEHandler) Handle(chanName string) gin.HandlerFunc {
	ch, ok := h.channels[chanName]
	if !ok {
		panic(fmt.Sprintf("push: unknown SSE channel %q", chanName))
	}

	return func(c *gin.Context) {
		claims, err := handshake(c, h.validator)
		if err != nil {
			response.Error(c, err)
			return
		}

		record, err := h.registry.Register(c.Request.Context(), claims.TenantID, claims.UserID, registry.ProtocolOneWay)
		if err != nil {
			response.Error(c, err)
			return
		}
		if err := h.registry.Subscribe(record.ConnectionID, []string{ch.defaultFilter}); err != nil {
			response.Error(c, err)
			return
		}
		record.SetCredentialExpiry(claims.Expiry)
		defer h.registry.Remove(record.ConnectionID, "stream closed")

		// EventSource clients resubmit the last id they received as the
		// Last-Event-ID header on reconnect (spec.md §7 reconnect-replay);
		// catch this connection up on stream history before the live loop
		// starts so replayed and live events are never interleaved out of
		// order.
		if lastEventID := c.GetHeader("Last-Event-ID"); lastEventID != "" {
			replayMissed(c.Request.Context(), h.bus, h.registry, record, ch.topics, lastEventID, h.logger)
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(200)
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(ch.sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if record.CredentialExpired() {
					h.logger.WithField("connection_id", record.ConnectionID).Info("push: closing stream, credential expired")
					return
				}
				if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			case envelope, ok := <-record.Outbound():
				if !ok {
					return
				}
				delivered := pushws.DeliveredEvent{
					EventID:    envelope.EventID,
					EventType:  envelope.EventType,
					Topic:      chanName,
					OccurredAt: envelope.OccurredAt,
					TenantID:   envelope.TenantID,
				}
				_ = json.Unmarshal(envelope.Payload, &delivered.Payload)

				data, err := json.Marshal(delivered)
				if err != nil {
					h.logger.WithError(err).Error("push: marshal SSE delivered event")
					continue
				}
				if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", envelope.EventType, data); err != nil {
					return
				}
				c.Writer.Flush()
				record.SetLastEventID(chanName, envelope.EventID)
				record.Touch()
			}
		}
	}
}
