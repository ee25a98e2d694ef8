// Package app wires configuration, storage, the stream bus, and the push
// protocol handlers into the two runnable processes this system ships:
// Server (HTTP push endpoints + admin API) and Worker (outbox reader,
// sweeper, and DLQ alerting). Grounded on internal/app/{app,providers}.go
// in the teacher repo, trimmed from its many-domain-service DI graph down
// to this system's much smaller set of collaborators.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"relayhub/internal/config"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	switch cfg.Logging.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Server runs the HTTP push endpoints, the per-tenant dispatcher loops
// (started lazily as connections register), and the admin API.
type Server struct {
	cfg       *config.Config
	core      *core
	providers *serverProviders
}

// NewServer builds every server-side collaborator but does not start
// listening; call Start for that.
func NewServer(cfg *config.Config) (*Server, error) {
	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	providers, err := newServerProviders(c)
	if err != nil {
		c.close()
		return nil, err
	}
	return &Server{cfg: cfg, core: c, providers: providers}, nil
}

// Start begins serving HTTP. It blocks until the listener stops or fails;
// callers typically run it in a goroutine and wait on a shutdown signal
// alongside it (see cmd/server/main.go).
func (s *Server) Start() error {
	s.core.logger.Info("app: starting server")
	return s.providers.http.Start()
}

// Shutdown drains in-flight requests and long-lived connections, stops the
// dispatcher loops, and closes the database/redis connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.providers.http.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown http server: %w", err)
	}
	s.providers.registry.Shutdown()
	s.providers.dispatcher.Shutdown()
	if err := s.providers.migrations.Shutdown(); err != nil {
		s.core.logger.WithError(err).Warn("app: migration manager shutdown reported an error")
	}
	s.core.close()
	return firstErr
}

// Worker runs the outbox reader and sweeper, and periodically checks DLQ
// alert thresholds across every known topic.
type Worker struct {
	cfg       *config.Config
	core      *core
	providers *workerProviders

	alertQuit chan struct{}
	alertDone chan struct{}
}

// NewWorker builds every worker-side collaborator.
func NewWorker(cfg *config.Config) (*Worker, error) {
	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	providers, err := newWorkerProviders(c)
	if err != nil {
		c.close()
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		core:      c,
		providers: providers,
		alertQuit: make(chan struct{}),
		alertDone: make(chan struct{}),
	}, nil
}

// Start launches the reader, sweeper, and DLQ alert loop as background
// goroutines and returns immediately.
func (w *Worker) Start() error {
	ctx := context.Background()
	w.core.logger.Info("app: starting worker")
	w.providers.reader.Start(ctx)
	w.providers.sweeper.Start(ctx)
	go w.alertLoop(ctx)
	return nil
}

func (w *Worker) alertLoop(ctx context.Context) {
	defer close(w.alertDone)
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.alertQuit:
			return
		case <-ticker.C:
			w.checkDLQAlerts(ctx)
		}
	}
}

func (w *Worker) checkDLQAlerts(ctx context.Context) {
	for _, topic := range knownTopics {
		key := w.core.bus.DLQStreamKey(topic)
		if _, err := w.providers.dlq.CheckAlerts(ctx, key, topic, time.Now()); err != nil {
			w.core.logger.WithError(err).WithField("topic", topic).Warn("app: dlq alert check failed")
		}
	}
}

// Shutdown stops the reader, sweeper, and alert loop, and closes the
// database/redis connections.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.providers.reader.Stop()
	w.providers.sweeper.Stop()
	close(w.alertQuit)
	select {
	case <-w.alertDone:
	case <-ctx.Done():
	}
	w.core.close()
	return nil
}
