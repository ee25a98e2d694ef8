// Package admin exposes the operator surface spec.md §6 calls for: list
// DLQ, reprocess DLQ entry(ies), dump registry stats, open/close a circuit
// manually. Grounded on the Gin-handler conventions throughout the teacher's
// internal/transport/http/handlers tree (thin handler, response.* helpers,
// errors surfaced via pkg/errors).
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relayhub/internal/breaker"
	"relayhub/internal/registry"
	"relayhub/internal/retry"
	"relayhub/internal/streambus"
	"relayhub/pkg/response"
)

// Handler bundles the admin endpoints' dependencies.
type Handler struct {
	dlq      *retry.DLQManager
	registry *registry.Registry
	breakers *breaker.Registry
	bus      *streambus.RedisAdapter
	topics   []string
	logger   *logrus.Logger
}

// NewHandler constructs the admin handler set. topics is the fixed list of
// known origin topics (e.g. "orders", "notifications", "system") this
// deployment routes events to, used to resolve a topic name to its
// dead-letter stream key.
func NewHandler(dlq *retry.DLQManager, reg *registry.Registry, breakers *breaker.Registry, bus *streambus.RedisAdapter, topics []string, logger *logrus.Logger) *Handler {
	return &Handler{dlq: dlq, registry: reg, breakers: breakers, bus: bus, topics: topics, logger: logger}
}

// Register mounts every admin route under router (scoped to "/admin" by
// the caller). Register attaches no authentication of its own, and
// internal/httpserver mounts the group without auth middleware.
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/dlq/:topic", h.ListDLQ)
	router.POST("/dlq/:topic/:stream_id/reprocess", h.ReprocessDLQEntry)
	router.POST("/dlq/:topic/reprocess", h.ReprocessDLQFiltered)
	router.GET("/registry/stats", h.RegistryStats)
	router.GET("/circuits", h.ListCircuits)
	router.POST("/circuits/:name/open", h.OpenCircuit)
	router.POST("/circuits/:name/close", h.CloseCircuit)
}

func (h *Handler) validTopic(topic string) bool {
	for _, t := range h.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ListDLQ returns up to ?limit= (default 100) dead-lettered entries for a topic.
func (h *Handler) ListDLQ(c *gin.Context) {
	topic := c.Param("topic")
	if !h.validTopic(topic) {
		response.NotFound(c, "topic")
		return
	}
	limit := int64(100)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.dlq.List(c.Request.Context(), h.bus.DLQStreamKey(topic), topic, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}

// ReprocessDLQEntry republishes one dead-lettered entry to its origin topic.
func (h *Handler) ReprocessDLQEntry(c *gin.Context) {
	topic := c.Param("topic")
	if !h.validTopic(topic) {
		response.NotFound(c, "topic")
		return
	}
	streamID := c.Param("stream_id")

	if err := h.dlq.Reprocess(c.Request.Context(), h.bus.DLQStreamKey(topic), topic, streamID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"topic": topic, "stream_id": streamID, "reprocessed": true})
}

// reprocessFilterRequest optionally narrows a bulk reprocess to entries
// matching event_id or event_type; an empty request reprocesses everything
// currently in the topic's dead-letter stream.
type reprocessFilterRequest struct {
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// ReprocessDLQFiltered reprocesses every entry in a topic's dead-letter
// stream matching the optional filter in the request body.
func (h *Handler) ReprocessDLQFiltered(c *gin.Context) {
	topic := c.Param("topic")
	if !h.validTopic(topic) {
		response.NotFound(c, "topic")
		return
	}

	var filter reprocessFilterRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&filter); err != nil {
			response.BadRequest(c, "invalid reprocess filter", err.Error())
			return
		}
	}

	match := func(entry retry.DLQEntry) bool {
		if filter.EventID != "" && entry.EventID != filter.EventID {
			return false
		}
		if filter.EventType != "" && entry.EventType != filter.EventType {
			return false
		}
		return true
	}

	count, err := h.dlq.ReprocessFiltered(c.Request.Context(), h.bus.DLQStreamKey(topic), topic, match)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"topic": topic, "reprocessed_count": count})
}

// RegistryStats dumps current push connection occupancy.
func (h *Handler) RegistryStats(c *gin.Context) {
	response.Success(c, h.registry.Stats())
}

// circuitView is the admin-facing projection of a breaker's state.
type circuitView struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// ListCircuits reports every breaker's current state.
func (h *Handler) ListCircuits(c *gin.Context) {
	names := h.breakers.Names()
	views := make([]circuitView, 0, len(names))
	for _, name := range names {
		b, ok := h.breakers.Find(name)
		if !ok {
			continue
		}
		views = append(views, circuitView{Name: name, State: b.State().String()})
	}
	response.Success(c, views)
}

// OpenCircuit forces the named circuit breaker open.
func (h *Handler) OpenCircuit(c *gin.Context) {
	name := c.Param("name")
	h.breakers.Get(name).ForceOpen()
	h.logger.WithField("circuit", name).Warn("admin: circuit forced open")
	response.SuccessWithStatus(c, http.StatusOK, gin.H{"name": name, "state": "open"})
}

// CloseCircuit forces the named circuit breaker closed.
func (h *Handler) CloseCircuit(c *gin.Context) {
	name := c.Param("name")
	h.breakers.Get(name).ForceClose()
	h.logger.WithField("circuit", name).Info("admin: circuit forced closed")
	response.SuccessWithStatus(c, http.StatusOK, gin.H{"name": name, "state": "closed"})
}
