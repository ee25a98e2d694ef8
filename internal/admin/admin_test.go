package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayhub/internal/breaker"
	"relayhub/internal/config"
	"relayhub/internal/event"
	"relayhub/internal/registry"
	"relayhub/internal/retry"
	"relayhub/internal/streambus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(new(nullWriter))
	return l
}

func setupHandler(t *testing.T) (*Handler, *streambus.RedisAdapter, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := testLogger()
	bus := streambus.NewRedisAdapter(client, logger, "relayhub", 1000)

	dlq := retry.NewDLQManager(bus, client, nil, config.RetryConfig{}, logger)
	reg := registry.New(registry.Config{DefaultQueueCapacity: 4, DefaultOverflowPolicy: registry.OverflowDisconnect}, logger)
	t.Cleanup(reg.Shutdown)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 0.5, MinRequests: 5, Window: time.Minute, CooldownPeriod: time.Second, ProbeQuota: 1})

	h := NewHandler(dlq, reg, breakers, bus, []string{"orders", "notifications"}, logger)
	router := gin.New()
	group := router.Group("/admin")
	h.Register(group)
	return h, bus, router
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

func TestAdmin_ListDLQUnknownTopic(t *testing.T) {
	_, _, router := setupHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/unknown-topic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_ListDLQEmpty(t *testing.T) {
	_, _, router := setupHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/orders", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestAdmin_ListDLQAndReprocessEntry(t *testing.T) {
	_, bus, router := setupHandler(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	envelope := testEnvelope("evt-1")
	require.NoError(t, bus.DeadLetter(ctx, "orders", envelope, "schema validation failed"))

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/orders", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var parsed struct {
		Data []struct {
			StreamID string `json:"stream_id"`
			EventID  string `json:"event_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	require.Len(t, parsed.Data, 1)
	assert.Equal(t, "evt-1", parsed.Data[0].EventID)

	streamID := parsed.Data[0].StreamID
	reprocessReq := httptest.NewRequest(http.MethodPost, "/admin/dlq/orders/"+streamID+"/reprocess", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, reprocessReq)
	assert.Equal(t, http.StatusOK, w2.Code)

	// Entry should be gone from the DLQ after reprocessing.
	req3 := httptest.NewRequest(http.MethodGet, "/admin/dlq/orders", nil)
	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, req3)
	assert.Contains(t, w3.Body.String(), `"data":[]`)
}

func TestAdmin_ReprocessDLQFilteredByEventType(t *testing.T) {
	_, bus, router := setupHandler(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	require.NoError(t, bus.DeadLetter(ctx, "orders", testEnvelope("evt-1"), "boom"))
	other := testEnvelope("evt-2")
	other.EventType = "order_updated"
	require.NoError(t, bus.DeadLetter(ctx, "orders", other, "boom"))

	body := strings.NewReader(`{"event_type":"order_updated"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/orders/reprocess", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reprocessed_count":1`)
}

func TestAdmin_RegistryStats(t *testing.T) {
	h, _, router := setupHandler(t)
	_, err := h.registry.Register(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "tenant-1", "user-1", registry.ProtocolOneWay)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/registry/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_connections":1`)
}

func TestAdmin_OpenAndCloseCircuit(t *testing.T) {
	_, _, router := setupHandler(t)

	openReq := httptest.NewRequest(http.MethodPost, "/admin/circuits/downstream/open", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, openReq)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"open"`)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/circuits", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, listReq)
	assert.Contains(t, w2.Body.String(), `"name":"downstream"`)
	assert.Contains(t, w2.Body.String(), `"state":"open"`)

	closeReq := httptest.NewRequest(http.MethodPost, "/admin/circuits/downstream/close", nil)
	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, closeReq)
	assert.Equal(t, http.StatusOK, w3.Code)
	assert.Contains(t, w3.Body.String(), `"state":"closed"`)
}
