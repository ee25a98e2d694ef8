package push

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"relayhub/internal/config"
	"relayhub/internal/event"
	"relayhub/internal/registry"
	pushws "relayhub/pkg/websocket"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(new(nullWriter))
	return l
}

func testEnvelope(id string) *event.Envelope {
	return &event.Envelope{
		EventID:       id,
		EventType:     "order_created",
		SchemaVersion: 1,
		TenantID:      "tenant-1",
		AggregateID:   "order-1",
		OccurredAt:    time.Now().UTC(),
		Producer:      "orders-service",
		Payload:       json.RawMessage(`{}`),
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Config{
		DefaultQueueCapacity:  8,
		DefaultOverflowPolicy: registry.OverflowDisconnect,
	}, testLogger())
	t.Cleanup(reg.Shutdown)
	return reg
}

func testPushConfig() config.PushConfig {
	return config.PushConfig{
		QueueCapacity:       8,
		OverflowPolicy:      "disconnect",
		SSEHeartbeatDefault: 30 * time.Second,
		SSEHeartbeatOrders:  45 * time.Second,
		SSEHeartbeatNotif:   60 * time.Second,
		WSPingInterval:      time.Minute,
		WSPongTimeout:       time.Minute,
	}
}

func newWSTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	srv, reg, _ := newWSTestServerWithBus(t)
	return srv, reg
}

func newWSTestServerWithBus(t *testing.T) (*httptest.Server, *registry.Registry, *fakeBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := testRegistry(t)
	bus := newFakeBus()
	validator := testValidator(t)
	handler := NewWSHandler(reg, bus, validator, config.ServerConfig{}, testPushConfig(), testLogger())

	router := gin.New()
	router.GET("/ws/orders", handler.Handle("orders"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, reg, bus
}

func dialWS(t *testing.T, srv *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orders"
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + signedToken(t, tenantID)}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSHandler_UnknownChannelPanics(t *testing.T) {
	reg := testRegistry(t)
	handler := NewWSHandler(reg, newFakeBus(), testValidator(t), config.ServerConfig{}, testPushConfig(), testLogger())
	require.Panics(t, func() { handler.Handle("nonexistent") })
}

func TestWSHandler_RejectsMissingCredential(t *testing.T) {
	srv, _ := newWSTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orders"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
}

func TestWSHandler_ConnectAndSubscribe(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "tenant-1")

	sub, _ := pushws.NewSubscribeMessage("notification_*").ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := pushws.FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, pushws.MessageTypeAck, msg.Type)
}

func TestWSHandler_UnsubscribeMissingChannelReturnsError(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "tenant-1")

	unsub, _ := pushws.NewUnsubscribeMessage("").ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, unsub))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := pushws.FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, pushws.MessageTypeError, msg.Type)
}

func TestWSHandler_SubscribeInvalidGlobReturnsError(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "tenant-1")

	sub, _ := pushws.NewSubscribeMessage("[invalid").ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := pushws.FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, pushws.MessageTypeError, msg.Type)
}

func TestWSHandler_StatsControlFrame(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "tenant-1")

	statsReq, _ := pushws.NewMessage(pushws.MessageTypeStats, nil).ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, statsReq))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := pushws.FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, pushws.MessageTypeStats, msg.Type)
}

func TestWSHandler_PingReceivesPong(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "tenant-1")

	ping, _ := pushws.NewPingMessage().ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := pushws.FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, pushws.MessageTypePong, msg.Type)
}

func TestWSHandler_DeliversEnqueuedEnvelopeToSocket(t *testing.T) {
	srv, reg := newWSTestServer(t)
	conn := dialWS(t, srv, "tenant-1")

	require.Eventually(t, func() bool {
		return reg.TenantConnectionCount("tenant-1") == 1
	}, time.Second, 10*time.Millisecond)

	envelope := testEnvelope("evt-1")
	reg.ForEach("tenant-1", envelope.EventType, func(r *registry.Record) {
		reg.Enqueue(context.Background(), r, envelope)
	})

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := pushws.FromJSON(data)
	require.NoError(t, err)
	require.Equal(t, pushws.MessageTypeEvent, msg.Type)
}

// TestWSHandler_OverflowDisconnectClosesWithCode4001 drives the overflow
// policy `disconnect` path end to end: a connection whose bounded queue
// overflows must see its socket close with wire code 4001 (spec.md §8),
// not a plain 1000 normal closure.
func TestWSHandler_OverflowDisconnectClosesWithCode4001(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New(registry.Config{
		DefaultQueueCapacity:  1,
		DefaultOverflowPolicy: registry.OverflowDisconnect,
	}, testLogger())
	t.Cleanup(reg.Shutdown)

	validator := testValidator(t)
	handler := NewWSHandler(reg, newFakeBus(), validator, config.ServerConfig{}, testPushConfig(), testLogger())
	router := gin.New()
	router.GET("/ws/orders", handler.Handle("orders"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "tenant-1")

	require.Eventually(t, func() bool {
		return reg.TenantConnectionCount("tenant-1") == 1
	}, time.Second, 10*time.Millisecond)

	var record *registry.Record
	reg.ForEach("tenant-1", "order_created", func(r *registry.Record) { record = r })
	require.NotNil(t, record)

	// Enqueue until the overflow policy trips. The writer goroutine drains
	// the queue (capacity 1) concurrently, so two enqueues alone do not
	// always overflow it.
	overflowed := false
	for i := 0; i < 10000 && !overflowed; i++ {
		overflowed = !reg.Enqueue(context.Background(), record, testEnvelope("evt-overflow"))
	}
	require.True(t, overflowed)

	closeCode := 0
	conn.SetCloseHandler(func(code int, text string) error {
		closeCode = code
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Equal(t, registry.CloseOverflowDisconnect, closeCode)
}

// TestWSHandler_ReconnectReplaysMissedEventsInOrder covers End-to-end
// scenario 3: a client resubscribing with a prior last_event_id is caught
// up on everything it missed, in order, before live delivery resumes.
func TestWSHandler_ReconnectReplaysMissedEventsInOrder(t *testing.T) {
	srv, _, bus := newWSTestServerWithBus(t)

	e4 := testEnvelope("evt-4")
	e5 := testEnvelope("evt-5")
	e6 := testEnvelope("evt-6")
	bus.seed("orders", "1-1", e4)
	bus.seed("orders", "2-1", e5)
	bus.seed("orders", "3-1", e6)

	conn := dialWS(t, srv, "tenant-1")

	sub, _ := pushws.NewMessage(pushws.MessageTypeSubscribe, pushws.SubscribeMessage{
		Channel:     "order_*",
		LastEventID: "evt-4",
	}).ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	var receivedIDs []string
	for len(receivedIDs) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := pushws.FromJSON(data)
		require.NoError(t, err)
		if msg.Type != pushws.MessageTypeEvent {
			continue
		}
		delivered, _ := json.Marshal(msg.Data)
		var evt pushws.DeliveredEvent
		require.NoError(t, json.Unmarshal(delivered, &evt))
		receivedIDs = append(receivedIDs, evt.EventID)
	}

	require.Equal(t, []string{"evt-5", "evt-6"}, receivedIDs)
}
