package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"relayhub/internal/auth"
	"relayhub/internal/config"
	"relayhub/internal/registry"
	"relayhub/internal/streambus"
	"relayhub/pkg/response"
	pushws "relayhub/pkg/websocket"
)

// livenessCloseCode is a private-use WebSocket close code (RFC 6455 §7.4.2
// reserves 4000-4999 for applications) signaling a missed-pong liveness
// failure rather than a normal client-initiated close.
const livenessCloseCode = 4000

// WSHandler serves the bidirectional push socket: /ws, /ws/orders. Grounded
// on internal/transport/http/handlers/websocket/websocket.go's Hub/Client
// split; the per-connection Hub here is internal/registry.Registry instead
// of a handler-local map, and subscribe/unsubscribe/stats control frames —
// stubbed as TODOs in the teacher — are fully implemented.
type WSHandler struct {
	registry  *registry.Registry
	bus       streambus.Adapter
	validator *auth.Validator
	channels  map[string]channel
	cfg       config.PushConfig
	upgrader  websocket.Upgrader
	logger    *logrus.Logger
}

// NewWSHandler constructs the WebSocket handler.
func NewWSHandler(reg *registry.Registry, bus streambus.Adapter, validator *auth.Validator, cfg config.ServerConfig, pushCfg config.PushConfig, logger *logrus.Logger) *WSHandler {
	allowed := make(map[string]bool, len(cfg.CORSAllowedOrigins))
	for _, o := range cfg.CORSAllowedOrigins {
		allowed[o] = true
	}
	return &WSHandler{
		registry:  reg,
		bus:       bus,
		validator: validator,
		channels:  channelsFor(pushCfg),
		cfg:       pushCfg,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")] || allowed["*"]
			},
		},
	}
}

// wsClient pairs a registry record with the live gorilla connection and the
// extra bookkeeping the control protocol needs that doesn't belong on the
// registry record itself.
type wsClient struct {
	conn       *websocket.Conn
	record     *registry.Record
	controlOut chan []byte

	mu           sync.Mutex
	awaitingPong bool
}

// Handle serves one of the WebSocket channel routes.
func (h *WSHandler) Handle(chanName string) gin.HandlerFunc {
	ch, ok := h.channels[chanName]
	if !ok {
		panic(fmt.Sprintf("push: unknown WebSocket channel %q", chanName))
	}

	return func(c *gin.Context) {
		claims, err := handshake(c, h.validator)
		if err != nil {
			response.Error(c, err)
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.WithError(err).Warn("push: websocket upgrade failed")
			return
		}

		record, err := h.registry.Register(c.Request.Context(), claims.TenantID, claims.UserID, registry.ProtocolBidirectional)
		if err != nil {
			_ = conn.Close()
			return
		}
		if err := h.registry.Subscribe(record.ConnectionID, []string{ch.defaultFilter}); err != nil {
			h.registry.Remove(record.ConnectionID, "invalid default filter")
			_ = conn.Close()
			return
		}
		record.SetCredentialExpiry(claims.Expiry)

		client := &wsClient{conn: conn, record: record, controlOut: make(chan []byte, 16)}

		h.logger.WithFields(logrus.Fields{
			"connection_id": record.ConnectionID,
			"tenant_id":     record.TenantID,
			"channel":       chanName,
		}).Info("push: websocket connection established")

		go h.writePump(client)
		h.readPump(c.Request.Context(), client, chanName)
	}
}

// readPump blocks reading control frames until the connection closes, then
// tears down the registry record. Mirrors the teacher's readPump/unregister
// pairing, but dispatches real subscribe/unsubscribe/stats handling instead
// of logging "not yet implemented".
func (h *WSHandler) readPump(ctx context.Context, client *wsClient, chanName string) {
	defer func() {
		h.registry.Remove(client.record.ConnectionID, "connection closed")
		_ = client.conn.Close()
	}()

	conn := client.conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Debug("push: websocket read error")
			}
			return
		}
		client.record.Touch()
		h.handleControlFrame(ctx, client, chanName, data)
	}
}

func (h *WSHandler) handleControlFrame(ctx context.Context, client *wsClient, chanName string, data []byte) {
	msg, err := pushws.FromJSON(data)
	if err != nil {
		h.reply(client, pushws.NewErrorMessage("bad_frame", "malformed control frame", err.Error()))
		return
	}

	switch msg.Type {
	case pushws.MessageTypePing:
		h.reply(client, pushws.NewPongMessage())

	case pushws.MessageTypePong:
		client.mu.Lock()
		client.awaitingPong = false
		client.mu.Unlock()

	case pushws.MessageTypeSubscribe:
		var sub pushws.SubscribeMessage
		if err := remarshal(msg.Data, &sub); err != nil || sub.Channel == "" {
			h.reply(client, pushws.NewErrorMessage("bad_request", "subscribe requires a channel filter", ""))
			return
		}
		if err := h.registry.Subscribe(client.record.ConnectionID, []string{sub.Channel}); err != nil {
			h.reply(client, pushws.NewErrorMessage("bad_request", "invalid subscription filter", err.Error()))
			return
		}
		if sub.LastEventID != "" {
			replayMissed(ctx, h.bus, h.registry, client.record, h.channels[chanName].topics, sub.LastEventID, h.logger)
		}
		h.reply(client, pushws.NewAckMessage(msg.ID, "subscribed", sub))

	case pushws.MessageTypeUnsubscribe:
		var unsub pushws.UnsubscribeMessage
		if err := remarshal(msg.Data, &unsub); err != nil || unsub.Channel == "" {
			h.reply(client, pushws.NewErrorMessage("bad_request", "unsubscribe requires a channel filter", ""))
			return
		}
		if err := h.registry.Unsubscribe(client.record.ConnectionID, []string{unsub.Channel}); err != nil {
			h.reply(client, pushws.NewErrorMessage("bad_request", "invalid subscription filter", err.Error()))
			return
		}
		h.reply(client, pushws.NewAckMessage(msg.ID, "unsubscribed", unsub))

	case pushws.MessageTypeStats:
		stats := pushws.StatsResponse{
			ConnectionID:    client.record.ConnectionID,
			TenantID:        client.record.TenantID,
			SubscribedSince: client.record.LastActivity(),
			Channels:        []string{chanName},
			QueueDepth:      len(client.record.Outbound()),
			QueueCapacity:   cap(client.record.Outbound()),
		}
		h.reply(client, pushws.NewMessage(pushws.MessageTypeStats, stats))

	default:
		h.reply(client, pushws.NewErrorMessage("unknown_type", fmt.Sprintf("unrecognized control frame type %q", msg.Type), ""))
	}
}

func (h *WSHandler) reply(client *wsClient, msg *pushws.Message) {
	data, err := msg.ToJSON()
	if err != nil {
		return
	}
	select {
	case client.controlOut <- data:
	default:
		h.logger.Warn("push: control reply dropped, client not draining")
	}
}

// writePump fans out registry-delivered envelopes and control-frame replies
// to the socket, and drives the ping/liveness cycle. A missed pong across
// two ping intervals closes the connection with livenessCloseCode
// (spec.md §6: "missed pong within two intervals closes the connection with
// a liveness code"). Every ping tick also re-checks the credential expiry
// recorded at handshake and closes with websocket.ClosePolicyViolation
// (1008) once it passes (spec.md §4.5/§6).
func (h *WSHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case envelope, ok := <-client.record.Outbound():
			if !ok {
				code := websocket.CloseNormalClosure
				if client.record.CloseCode() == registry.CloseOverflowDisconnect {
					code = registry.CloseOverflowDisconnect
				}
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}
			delivered := pushws.DeliveredEvent{
				EventID:    envelope.EventID,
				EventType:  envelope.EventType,
				OccurredAt: envelope.OccurredAt,
				TenantID:   envelope.TenantID,
			}
			_ = json.Unmarshal(envelope.Payload, &delivered.Payload)
			out := pushws.NewEventMessage(envelope.EventType, delivered).SetTenant(envelope.TenantID)
			data, err := out.ToJSON()
			if err != nil {
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case data := <-client.controlOut:
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if client.record.CredentialExpired() {
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "credential expired"))
				return
			}
			client.mu.Lock()
			stillWaiting := client.awaitingPong
			client.awaitingPong = true
			client.mu.Unlock()
			if stillWaiting {
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(livenessCloseCode, "missed pong"))
				return
			}
			ping, _ := pushws.NewPingMessage().ToJSON()
			if err := client.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// remarshal re-encodes a decoded interface{} value (as produced by decoding
// a Message's Data field) into a concrete struct.
func remarshal(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
