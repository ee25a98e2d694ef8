package migration

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relayhub/internal/version"
)

// HealthService reports whether the Postgres schema is reachable and at the
// expected migration state. Trimmed from the teacher's dual-database health
// checker (Postgres + ClickHouse) to the single database this system uses.
type HealthService struct {
	manager *Manager
	logger  *logrus.Logger
}

// NewHealthService builds a health checker around an already-initialized
// migration manager.
func NewHealthService(manager *Manager, logger *logrus.Logger) *HealthService {
	return &HealthService{manager: manager, logger: logger}
}

// HealthReport is the JSON body served by HTTPHandler.
type HealthReport struct {
	Healthy   bool            `json:"healthy"`
	Version   string          `json:"version"`
	Database  string          `json:"database"`
	Migration MigrationStatus `json:"migration"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Check reports the current database connectivity and migration status.
func (h *HealthService) Check(ctx context.Context) HealthReport {
	report := HealthReport{Database: "postgres", Version: version.Get(), CheckedAt: time.Now()}

	if err := h.manager.db.Health(); err != nil {
		h.logger.WithError(err).Warn("migration: postgres health check failed")
		report.Healthy = false
		report.Migration = MigrationStatus{Status: "error", Error: err.Error()}
		return report
	}

	status := h.manager.Status()
	report.Migration = status
	report.Healthy = status.Status == "healthy"
	return report
}

// HTTPHandler serves Check as a Gin endpoint, returning 503 when unhealthy.
func (h *HealthService) HTTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := h.Check(c.Request.Context())
		code := http.StatusOK
		if !report.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

// CheckDrift reports whether the schema is dirty (a prior migration failed
// partway through and needs manual repair via Force).
func (h *HealthService) CheckDrift(ctx context.Context) (bool, error) {
	status := h.manager.Status()
	return status.IsDirty, nil
}
