package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the Prometheus scrape endpoint.
type Handler struct{}

// NewHandler constructs the metrics handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Handle serves /metrics.
func (h *Handler) Handle(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}
