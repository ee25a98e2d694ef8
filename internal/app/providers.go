package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"relayhub/internal/admin"
	"relayhub/internal/auth"
	"relayhub/internal/breaker"
	"relayhub/internal/config"
	"relayhub/internal/database"
	"relayhub/internal/dbtx"
	"relayhub/internal/dispatcher"
	"relayhub/internal/event"
	"relayhub/internal/httpserver"
	"relayhub/internal/metrics"
	"relayhub/internal/migration"
	"relayhub/internal/outbox"
	"relayhub/internal/push"
	"relayhub/internal/registry"
	"relayhub/internal/retry"
	"relayhub/internal/streambus"
)

// knownTopics is the fixed set of origin topics this deployment routes
// events to (see internal/event.RegisterDefaults); the admin DLQ endpoints
// and the worker's DLQ alert loop both iterate this list rather than
// discovering topics dynamically, since topics are a deployment-time
// decision here, not a runtime one.
var knownTopics = []string{"orders", "notifications", "system"}

// core bundles the dependencies shared by both the server and worker
// processes: configuration, the database/redis connections, the event
// schema registry, the stream bus adapter, metrics, and the circuit
// breaker registry. Grounded on the teacher's ProvideCore in
// internal/app/providers.go (same shared-foundation split, generalized
// from the teacher's many domain services to this system's much smaller
// set of collaborators).
type core struct {
	cfg     *config.Config
	logger  *logrus.Logger
	pg      *database.PostgresDB
	redis   *database.RedisDB
	schemas *event.SchemaRegistry
	bus     *streambus.RedisAdapter
	metrics *metrics.Metrics
	breakers *breaker.Registry
	tx      dbtx.Transactor
}

func newCore(cfg *config.Config) (*core, error) {
	logger := newLogger(cfg)

	pg, err := database.NewPostgresDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	redisDB, err := database.NewRedisDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	schemas := event.NewSchemaRegistry("system")
	event.RegisterDefaults(schemas)

	bus := streambus.NewRedisAdapter(redisDB.Client, logger, cfg.StreamBus.TopicPrefix, cfg.StreamBus.MaxLen)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinRequests:      cfg.Breaker.MinRequests,
		Window:           30 * time.Second, // breaker.Config has no config-level Window knob, spec.md §4.7 fixes it
		CooldownPeriod:   cfg.Breaker.CooldownPeriod,
		ProbeQuota:       cfg.Breaker.ProbeQuota,
	}

	return &core{
		cfg:      cfg,
		logger:   logger,
		pg:       pg,
		redis:    redisDB,
		schemas:  schemas,
		bus:      bus,
		metrics:  metrics.New(),
		breakers: breaker.NewRegistry(breakerCfg),
		tx:       dbtx.NewTransactor(pg.DB),
	}, nil
}

func (c *core) close() {
	if c.pg != nil {
		_ = c.pg.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

// serverProviders wires every collaborator the HTTP/push process needs:
// the connection registry, the per-tenant dispatcher manager (lazily
// started from registry.Config.OnRegister), the push protocol handlers,
// the admin API, and the assembled Gin engine.
type serverProviders struct {
	core       *core
	registry   *registry.Registry
	dispatcher *dispatcher.Manager
	validator  *auth.Validator
	dlq        *retry.DLQManager
	migrations *migration.Manager
	health     *migration.HealthService
	admin      *admin.Handler
	http       *httpserver.Server
}

func newServerProviders(c *core) (*serverProviders, error) {
	validator, err := auth.NewValidator(&c.cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("build jwt validator: %w", err)
	}

	// dispatcherMgr is assigned after construction; the registry's
	// OnRegister hook closes over this variable rather than the manager
	// directly, resolving the circular dependency (registry.New needs the
	// hook, dispatcher.NewManager needs the registry).
	var dispatcherMgr *dispatcher.Manager

	reg := registry.New(registry.Config{
		ShardCount:            32,
		DefaultQueueCapacity:  c.cfg.Push.QueueCapacity,
		DefaultOverflowPolicy: registry.OverflowPolicy(c.cfg.Push.OverflowPolicy),
		IdleTimeout:           c.cfg.Dispatcher.IdleGracePeriod,
		CleanupInterval:       c.cfg.Dispatcher.ReclaimInterval,
		OnRegister: func(tenantID string) {
			if dispatcherMgr != nil {
				dispatcherMgr.EnsureTenant(context.Background(), tenantID)
			}
		},
	}, c.logger)

	dispatcherMgr = dispatcher.NewManager(dispatcher.Config{
		Subsystem:       "push",
		Topics:          knownTopics,
		IdleGracePeriod: c.cfg.Dispatcher.IdleGracePeriod,
		AckPolicy:       dispatcher.AckPolicy(c.cfg.Dispatcher.AckPolicy),
		ReadBlock:       c.cfg.StreamBus.ReadBlock,
		ReadCount:       c.cfg.StreamBus.ReadCount,
		ReclaimInterval: c.cfg.Dispatcher.ReclaimInterval,
		ClaimMinIdle:    c.cfg.StreamBus.ClaimMinIdle,
	}, c.bus, reg, c.logger)

	sseHandler := push.NewSSEHandler(reg, c.bus, validator, c.cfg.Push, c.logger)
	wsHandler := push.NewWSHandler(reg, c.bus, validator, c.cfg.Server, c.cfg.Push, c.logger)

	dlq := retry.NewDLQManager(c.bus, c.redis.Client, c.metrics, c.cfg.Retry, c.logger)
	adminHandler := admin.NewHandler(dlq, reg, c.breakers, c.bus, knownTopics, c.logger)

	migrationMgr, err := migration.NewManager(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("build migration manager: %w", err)
	}
	health := migration.NewHealthService(migrationMgr, c.logger)

	metricsHandler := metrics.NewHandler()
	srv := httpserver.New(c.cfg, c.logger, sseHandler, wsHandler, adminHandler, health, metricsHandler)

	return &serverProviders{
		core:       c,
		registry:   reg,
		dispatcher: dispatcherMgr,
		validator:  validator,
		dlq:        dlq,
		migrations: migrationMgr,
		health:     health,
		admin:      adminHandler,
		http:       srv,
	}, nil
}

// workerProviders wires the background half of the system: the outbox
// reader and sweeper, and the DLQ alert loop.
type workerProviders struct {
	core    *core
	reader  *outbox.Reader
	sweeper *outbox.Sweeper
	dlq     *retry.DLQManager
}

func newWorkerProviders(c *core) (*workerProviders, error) {
	backoff := retry.NewBackoff(c.cfg.Retry.BaseDelay, c.cfg.Retry.MaxDelay)

	reader := outbox.NewReader(c.pg.DB, c.bus, c.schemas, backoff, outbox.ReaderConfig{
		BatchSize:         c.cfg.Outbox.BatchSize,
		PollInterval:      c.cfg.Outbox.PollInterval,
		VisibilityTimeout: c.cfg.Outbox.VisibilityTimeout,
		MaxAttempts:       c.cfg.Outbox.MaxAttempts,
		WorkerID:          "outbox-reader-1",
	}, c.logger)

	sweeper := outbox.NewSweeper(c.pg.DB, c.cfg.Outbox.RetentionPeriod, c.cfg.Outbox.SweepInterval, c.logger)

	dlq := retry.NewDLQManager(c.bus, c.redis.Client, c.metrics, c.cfg.Retry, c.logger)

	return &workerProviders{core: c, reader: reader, sweeper: sweeper, dlq: dlq}, nil
}
