package push

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"relayhub/internal/registry"
)

func newSSETestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := testRegistry(t)
	validator := testValidator(t)
	cfg := testPushConfig()
	cfg.SSEHeartbeatOrders = time.Hour // keep heartbeats out of the way of delivery assertions
	handler := NewSSEHandler(reg, newFakeBus(), validator, cfg, testLogger())

	router := gin.New()
	router.GET("/stream/orders", handler.Handle("orders"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestSSEHandler_RejectsMissingCredential(t *testing.T) {
	srv, _ := newSSETestServer(t)

	resp, err := http.Get(srv.URL + "/stream/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestSSEHandler_DeliversEnqueuedEnvelope(t *testing.T) {
	srv, reg := newSSETestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "tenant-1"))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return reg.TenantConnectionCount("tenant-1") == 1
	}, time.Second, 10*time.Millisecond)

	envelope := testEnvelope("evt-1")
	reg.ForEach("tenant-1", envelope.EventType, func(r *registry.Record) {
		reg.Enqueue(context.Background(), r, envelope)
	})

	reader := bufio.NewReader(resp.Body)
	found := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: order_created") {
			found = true
			break
		}
	}
	require.True(t, found, "expected an SSE event frame for the enqueued envelope")
}
