// Package dispatcher implements the Consumer-Group Dispatcher: one loop
// per (subsystem, tenant_id) pulling from the stream bus and fanning out
// to the connection registry. Lazily created when the first connection
// for a tenant appears; torn down after an idle grace period with zero
// live connections.
//
// Grounded on internal/workers/telemetry_stream_consumer.go's
// discoverStreams/consumeLoop pair (adapted from per-stream discovery to
// per-tenant lazy start) and on pkg/realtime/broadcaster.go's fanout
// pattern (adapted from named channels to registry.ForEach).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"relayhub/internal/registry"
	"relayhub/internal/streambus"
)

// AckPolicy controls when a dispatcher loop acknowledges a delivered
// entry.
type AckPolicy string

const (
	// AckBestEffort acknowledges once the entry has been enqueued to
	// whichever connections were live at the time, even if none were.
	AckBestEffort AckPolicy = "best_effort"
	// AckAllConnected only acknowledges if every currently-live matching
	// connection accepted the envelope onto its queue (no overflow-drop
	// occurred). Pairs with push.overflow_policy=block.
	AckAllConnected AckPolicy = "all_connected"
)

// Config controls dispatcher loop behavior.
type Config struct {
	Subsystem       string
	Topics          []string
	IdleGracePeriod time.Duration
	AckPolicy       AckPolicy
	ReadBlock       time.Duration
	ReadCount       int64
	ReclaimInterval time.Duration
	ClaimMinIdle    time.Duration
}

// Manager owns the set of per-tenant dispatcher loops.
type Manager struct {
	cfg      Config
	bus      streambus.Adapter
	registry *registry.Registry
	logger   *logrus.Logger

	mu    sync.Mutex
	loops map[string]*tenantLoop
}

// NewManager constructs a dispatcher Manager.
func NewManager(cfg Config, bus streambus.Adapter, reg *registry.Registry, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		logger:   logger,
		loops:    make(map[string]*tenantLoop),
	}
}

// EnsureTenant starts a dispatcher loop for tenantID if one isn't already
// running. Safe to call on every new connection registration.
func (m *Manager) EnsureTenant(ctx context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.loops[tenantID]; exists {
		return
	}
	loop := newTenantLoop(tenantID, m.cfg, m.bus, m.registry, m.logger, m.onIdleShutdown)
	m.loops[tenantID] = loop
	loop.start(ctx)
}

// onIdleShutdown is called by a tenantLoop when it tears itself down; it
// removes the loop from the manager's index so a future connection can
// start a fresh one.
func (m *Manager) onIdleShutdown(tenantID string) {
	m.mu.Lock()
	delete(m.loops, tenantID)
	m.mu.Unlock()
}

// Shutdown stops every running loop and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	loops := make([]*tenantLoop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	for _, l := range loops {
		l.stop()
	}
}

// ActiveTenants returns the tenant ids with a currently-running loop, used
// by the admin stats endpoint.
func (m *Manager) ActiveTenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.loops))
	for t := range m.loops {
		out = append(out, t)
	}
	return out
}

func groupName(subsystem, tenantID string) string {
	return fmt.Sprintf("%s-%s", subsystem, tenantID)
}
