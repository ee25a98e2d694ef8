// Package httpserver assembles the Gin engine: CORS, push routes (SSE and
// WebSocket), the metrics scrape endpoint, admin routes, and a liveness
// check, then wraps it in an *http.Server with graceful shutdown. Grounded
// on internal/transport/http/server.go in the teacher repo, trimmed to this
// system's much smaller route surface (no dashboard/SDK/RBAC routes — this
// system has no REST surface over business rows, per spec.md's Non-goals).
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"relayhub/internal/admin"
	"relayhub/internal/config"
	"relayhub/internal/metrics"
	"relayhub/internal/migration"
	"relayhub/internal/push"
)

// Server wraps the assembled Gin engine in a standard *http.Server with
// configured timeouts and graceful shutdown.
type Server struct {
	cfg     *config.Config
	logger  *logrus.Logger
	engine  *gin.Engine
	httpSrv *http.Server

	sse    *push.SSEHandler
	ws     *push.WSHandler
	admin  *admin.Handler
	health *migration.HealthService
	metrics *metrics.Handler
}

// New builds the Gin engine and the wrapping http.Server, but does not
// start listening; call Start for that.
func New(cfg *config.Config, logger *logrus.Logger, sse *push.SSEHandler, ws *push.WSHandler, adminHandler *admin.Handler, health *migration.HealthService, metricsHandler *metrics.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		sse:     sse,
		ws:      ws,
		admin:   adminHandler,
		health:  health,
		metrics: metricsHandler,
	}
	s.buildEngine()
	return s
}

func (s *Server) buildEngine() {
	if s.cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(requestLogger(s.logger))
	engine.Use(gin.Recovery())

	if s.cfg.Server.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = s.cfg.Server.CORSAllowedOrigins
		corsConfig.AllowMethods = s.cfg.Server.CORSAllowedMethods
		corsConfig.AllowHeaders = s.cfg.Server.CORSAllowedHeaders
		corsConfig.AllowCredentials = len(s.cfg.Server.CORSAllowedOrigins) > 0 && s.cfg.Server.CORSAllowedOrigins[0] != "*"
		engine.Use(cors.New(corsConfig))
	}

	if len(s.cfg.Server.TrustedProxies) > 0 {
		_ = engine.SetTrustedProxies(s.cfg.Server.TrustedProxies)
	}

	engine.GET("/health", s.health.HTTPHandler())
	engine.GET("/metrics", s.metrics.Handle)

	engine.GET("/stream", s.sse.Handle("general"))
	engine.GET("/stream/orders", s.sse.Handle("orders"))
	engine.GET("/stream/notifications", s.sse.Handle("notifications"))

	engine.GET("/ws", s.ws.Handle("general"))
	engine.GET("/ws/orders", s.ws.Handle("orders"))

	adminGroup := engine.Group("/admin")
	s.admin.Register(adminGroup)

	s.engine = engine
}

// requestLogger mirrors the teacher's middleware.Logger: one structured log
// line per request at completion.
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
			"client_ip":  c.ClientIP(),
		}).Info("http request")
	}
}

// Start begins serving and blocks until the listener stops or fails.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	s.logger.WithField("port", s.cfg.Server.Port).Info("httpserver: starting")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests (including long-lived SSE/WebSocket
// connections) up to the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
