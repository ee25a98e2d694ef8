// Package registry implements the in-memory Connection Registry: the
// directory of live push connections, their subscription filters, and
// their bounded outbound queues. It is adapted from
// pkg/realtime/broadcaster.go's sharded channel/subscriber/cleanup-loop
// pattern, generalized from named broadcast channels to tenant-scoped
// connection records addressed by connection_id.
//
// Per spec.md §9, the dispatcher looks up connections through the
// registry's identity map; the registry never holds a reference back to a
// dispatcher loop, resolving the cyclic-reference concern with a one-way
// dependency instead of weak pointers (Go has no weak references in the
// version this module targets).
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"relayhub/internal/event"
	"relayhub/pkg/errors"
	"relayhub/pkg/ulid"
)

// OverflowPolicy controls what happens when a connection's outbound queue
// is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
	OverflowBlock      OverflowPolicy = "block"
)

// Protocol identifies which push protocol owns a connection.
type Protocol string

const (
	ProtocolOneWay        Protocol = "one_way"
	ProtocolBidirectional Protocol = "bidirectional"
)

// Close codes surfaced to a connection's writer when its outbound channel
// closes, so the WebSocket handler can pick the wire close code matching
// why the record was removed (spec.md §8: overflow policy `disconnect`
// closes the connection with code 4001; everything else closes normally).
const (
	CloseNormal             = 1000
	CloseOverflowDisconnect = 4001
)

// Record is the in-memory Connection Record (spec.md §3). Exclusively
// owned by the registry; other components address it only by
// connection_id through the registry's lookup methods.
type Record struct {
	ConnectionID   string
	TenantID       string
	UserID         string
	Protocol       Protocol
	OverflowPolicy OverflowPolicy

	mu               sync.RWMutex
	subscriptions    map[string]glob.Glob
	lastEventID      map[string]string
	lastActivity     time.Time
	alive            bool
	closeCode        int
	credentialExpiry time.Time

	outbound chan *event.Envelope
}

func newRecord(connectionID, tenantID, userID string, protocol Protocol, queueCapacity int, overflow OverflowPolicy) *Record {
	return &Record{
		ConnectionID:   connectionID,
		TenantID:       tenantID,
		UserID:         userID,
		Protocol:       protocol,
		OverflowPolicy: overflow,
		subscriptions:  make(map[string]glob.Glob),
		lastEventID:    make(map[string]string),
		lastActivity:   time.Now(),
		alive:          true,
		closeCode:      CloseNormal,
		outbound:       make(chan *event.Envelope, queueCapacity),
	}
}

// Outbound returns the channel the connection's writer goroutine drains.
// It is closed by the registry when the record is removed.
func (r *Record) Outbound() <-chan *event.Envelope {
	return r.outbound
}

// Alive reports whether the connection is still registered.
func (r *Record) Alive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alive
}

// Touch records activity (received ping, sent frame) for idle eviction.
func (r *Record) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// LastActivity returns the last time Touch was called.
func (r *Record) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// SetCredentialExpiry records when the credential validated at handshake
// expires. The push handlers check this at every heartbeat boundary and
// disconnect once it passes (spec.md §4.5: "credential expiry forces a
// disconnect at the next heartbeat boundary"); the registry itself never
// re-validates the credential or acts on expiry, it only stores it.
func (r *Record) SetCredentialExpiry(t time.Time) {
	r.mu.Lock()
	r.credentialExpiry = t
	r.mu.Unlock()
}

// CredentialExpiry returns the credential expiry recorded at handshake, or
// the zero time if none was set (e.g. a credential with no exp claim).
func (r *Record) CredentialExpiry() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.credentialExpiry
}

// CredentialExpired reports whether the recorded credential expiry has
// passed. A zero expiry (no exp claim) never expires.
func (r *Record) CredentialExpired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.credentialExpiry.IsZero() && time.Now().After(r.credentialExpiry)
}

// SetLastEventID records the last event id delivered on a given topic.
// Updated on every delivery (live dispatch and catch-up replay alike);
// read back by internal/push's stats control frame and by tests asserting
// delivery order, not by the replay path itself, which takes its anchor
// from the client-supplied last_event_id instead of this record's own
// history (a reconnecting client may be resuming on a fresh connection
// record with no bookkeeping of its own yet).
func (r *Record) SetLastEventID(topic, eventID string) {
	r.mu.Lock()
	r.lastEventID[topic] = eventID
	r.mu.Unlock()
}

// LastEventID returns the last event id delivered on topic, if any.
func (r *Record) LastEventID(topic string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.lastEventID[topic]
	return id, ok
}

// LastEventIDs returns a copy of every topic's last-delivered event id,
// surfaced to the client through the stats control frame so it knows what
// to hand back as last_event_id on a future reconnect.
func (r *Record) LastEventIDs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.lastEventID))
	for k, v := range r.lastEventID {
		out[k] = v
	}
	return out
}

// CloseCode returns the wire close code a writer should use once Outbound
// observes a channel close, reflecting why Remove tore the record down.
func (r *Record) CloseCode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closeCode
}

// Matches reports whether eventType passes this record's subscription
// filters, the same test ForEach/Enqueue apply for live delivery. Used by
// the push handlers to filter catch-up history read from the stream bus
// during reconnect replay.
func (r *Record) Matches(eventType string) bool {
	return r.matches(eventType)
}

func (r *Record) matches(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.subscriptions) == 0 {
		return true // no filters registered means "everything on this protocol's topics"
	}
	for _, g := range r.subscriptions {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}

// Config controls registry-wide defaults applied to every new connection
// unless the caller overrides them at Register time.
type Config struct {
	ShardCount            int
	DefaultQueueCapacity  int
	DefaultOverflowPolicy OverflowPolicy
	IdleTimeout           time.Duration
	CleanupInterval       time.Duration
	// OnRegister, if set, is called after a new connection is registered so
	// a caller (the dispatcher manager) can lazily start the consume loop
	// for a tenant on its first connection, per spec.md §4.5.
	OnRegister func(tenantID string)
}

type shard struct {
	mu          sync.RWMutex
	connections map[string]*Record
	byTenant    map[string]map[string]*Record
}

// Registry is the sharded connection directory. Sharding by tenant_id hash
// minimizes lock contention across unrelated tenants (spec.md §5).
type Registry struct {
	cfg    Config
	shards []*shard
	logger *logrus.Logger

	quit chan struct{}
	done chan struct{}
}

// New constructs a Registry and starts its idle-eviction cleanup loop.
func New(cfg Config, logger *logrus.Logger) *Registry {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{
			connections: make(map[string]*Record),
			byTenant:    make(map[string]map[string]*Record),
		}
	}
	reg := &Registry{
		cfg:    cfg,
		shards: shards,
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go reg.cleanupLoop()
	return reg
}

func (reg *Registry) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return reg.shards[h.Sum32()%uint32(len(reg.shards))]
}

// Register validates nothing itself (credential validation happens
// upstream at the handshake, see internal/auth) and creates a new
// connection record, returning it for the caller's writer loop to drain.
func (reg *Registry) Register(ctx context.Context, tenantID, userID string, protocol Protocol) (*Record, error) {
	if tenantID == "" {
		return nil, errors.NewBadRequestError("tenant_id is required to register a connection", "")
	}
	connectionID := ulid.New().String()
	record := newRecord(connectionID, tenantID, userID, protocol, reg.cfg.DefaultQueueCapacity, reg.cfg.DefaultOverflowPolicy)

	s := reg.shardFor(tenantID)
	s.mu.Lock()
	s.connections[connectionID] = record
	if s.byTenant[tenantID] == nil {
		s.byTenant[tenantID] = make(map[string]*Record)
	}
	s.byTenant[tenantID][connectionID] = record
	s.mu.Unlock()

	if reg.cfg.OnRegister != nil {
		reg.cfg.OnRegister(tenantID)
	}

	return record, nil
}

// Subscribe compiles and adds the given event-type globs to a connection's
// filter set.
func (reg *Registry) Subscribe(connectionID string, filters []string) error {
	record, ok := reg.lookup(connectionID)
	if !ok {
		return errors.NewNotFoundError("connection")
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	for _, f := range filters {
		g, err := glob.Compile(f)
		if err != nil {
			return errors.NewBadRequestError(fmt.Sprintf("invalid subscription filter %q", f), err.Error())
		}
		record.subscriptions[f] = g
	}
	return nil
}

// Unsubscribe removes the given filters from a connection's filter set.
func (reg *Registry) Unsubscribe(connectionID string, filters []string) error {
	record, ok := reg.lookup(connectionID)
	if !ok {
		return errors.NewNotFoundError("connection")
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	for _, f := range filters {
		delete(record.subscriptions, f)
	}
	return nil
}

func (reg *Registry) lookup(connectionID string) (*Record, bool) {
	// connection_id doesn't carry the tenant, so a global lookup must scan
	// shards; this is rare (subscribe/unsubscribe/remove calls, not the
	// hot delivery path) so the scan cost is acceptable.
	for _, s := range reg.shards {
		s.mu.RLock()
		record, ok := s.connections[connectionID]
		s.mu.RUnlock()
		if ok {
			return record, true
		}
	}
	return nil, false
}

// ForEach iterates live connections for tenantID whose subscription
// filters match eventType, invoking fn for each. Iteration happens under a
// read lock on that tenant's shard only.
func (reg *Registry) ForEach(tenantID, eventType string, fn func(*Record)) {
	s := reg.shardFor(tenantID)
	s.mu.RLock()
	matched := make([]*Record, 0, len(s.byTenant[tenantID]))
	for _, record := range s.byTenant[tenantID] {
		if record.Alive() && record.matches(eventType) {
			matched = append(matched, record)
		}
	}
	s.mu.RUnlock()

	for _, record := range matched {
		fn(record)
	}
}

// Enqueue delivers envelope onto record's outbound queue, applying the
// record's overflow policy if the queue is full. Returns true if the
// connection remains live after this call (false if disconnect-on-overflow
// fired).
func (reg *Registry) Enqueue(ctx context.Context, record *Record, envelope *event.Envelope) bool {
	select {
	case record.outbound <- envelope:
		return true
	default:
	}

	switch record.OverflowPolicy {
	case OverflowDropOldest:
		select {
		case <-record.outbound:
		default:
		}
		select {
		case record.outbound <- envelope:
		default:
			// still full even after dropping one (size-1 race); drop this
			// envelope too rather than block the dispatcher.
		}
		return true
	case OverflowBlock:
		select {
		case record.outbound <- envelope:
			return true
		case <-ctx.Done():
			return record.Alive()
		}
	default: // OverflowDisconnect
		reg.RemoveWithCode(record.ConnectionID, "queue overflow", CloseOverflowDisconnect)
		return false
	}
}

// Remove destroys a connection record: marks it dead, closes its outbound
// channel (the writer goroutine reading it must exit on channel close), and
// removes it from both shard indexes. The writer closes with CloseNormal.
func (reg *Registry) Remove(connectionID, reason string) {
	reg.RemoveWithCode(connectionID, reason, CloseNormal)
}

// RemoveWithCode behaves like Remove but additionally records the wire
// close code the connection's writer should use, so callers that tear a
// connection down for a protocol-visible reason (overflow policy
// `disconnect`) can surface that reason as a distinct close code rather
// than a plain normal closure.
func (reg *Registry) RemoveWithCode(connectionID, reason string, closeCode int) {
	record, ok := reg.lookup(connectionID)
	if !ok {
		return
	}

	record.mu.Lock()
	alreadyDead := !record.alive
	record.alive = false
	record.closeCode = closeCode
	record.mu.Unlock()
	if alreadyDead {
		return
	}
	close(record.outbound)

	s := reg.shardFor(record.TenantID)
	s.mu.Lock()
	delete(s.connections, connectionID)
	if tenantConns, ok := s.byTenant[record.TenantID]; ok {
		delete(tenantConns, connectionID)
		if len(tenantConns) == 0 {
			delete(s.byTenant, record.TenantID)
		}
	}
	s.mu.Unlock()

	reg.logger.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"tenant_id":     record.TenantID,
		"reason":        reason,
	}).Info("registry: connection removed")
}

// TenantConnectionCount returns the number of live connections for a
// tenant, used by the dispatcher to decide when to tear down an idle
// per-tenant consumer loop.
func (reg *Registry) TenantConnectionCount(tenantID string) int {
	s := reg.shardFor(tenantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTenant[tenantID])
}

// Stats summarizes registry occupancy for the admin API.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	PerTenant        map[string]int `json:"per_tenant"`
}

// Stats returns a snapshot of connection counts across all shards.
func (reg *Registry) Stats() Stats {
	out := Stats{PerTenant: make(map[string]int)}
	for _, s := range reg.shards {
		s.mu.RLock()
		out.TotalConnections += len(s.connections)
		for tenantID, conns := range s.byTenant {
			out.PerTenant[tenantID] += len(conns)
		}
		s.mu.RUnlock()
	}
	return out
}

// Shutdown stops the cleanup loop and waits for it to exit.
func (reg *Registry) Shutdown() {
	close(reg.quit)
	<-reg.done
}

func (reg *Registry) cleanupLoop() {
	defer close(reg.done)
	if reg.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(reg.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-reg.quit:
			return
		case <-ticker.C:
			reg.evictIdle()
		}
	}
}

func (reg *Registry) evictIdle() {
	now := time.Now()
	var stale []string
	for _, s := range reg.shards {
		s.mu.RLock()
		for id, record := range s.connections {
			if now.Sub(record.LastActivity()) > reg.cfg.IdleTimeout {
				stale = append(stale, id)
			}
		}
		s.mu.RUnlock()
	}
	for _, id := range stale {
		reg.Remove(id, "idle timeout")
	}
}
