// Package breaker implements a Closed/Open/HalfOpen circuit breaker
// wrapping calls to flaky downstream collaborators (handler tasks, not the
// outbox reader itself — see spec.md §4.7).
//
// No example repo in the retrieval pack imports a circuit-breaker library
// (no sony/gobreaker, no afex/hystrix-go anywhere under _examples/), so
// this is built on the standard library only; see DESIGN.md for the full
// justification.
package breaker

import (
	"context"
	"sync"
	"time"

	"relayhub/pkg/errors"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls the failure threshold and timing of one breaker.
type Config struct {
	FailureThreshold float64       // rolling failure ratio that trips Closed -> Open
	MinRequests      int           // minimum sample size before the ratio is evaluated
	Window           time.Duration // rolling window the ratio is computed over
	CooldownPeriod   time.Duration // time spent Open before probing HalfOpen
	ProbeQuota       int           // concurrent probe calls allowed in HalfOpen
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is a single named circuit breaker instance. Callers typically
// keep one per downstream collaborator in a registry (see
// internal/breaker.Registry).
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	samples      []sample
	openedAt     time.Time
	probesInFlight int
}

// New constructs a Breaker starting Closed.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked advances Open -> HalfOpen once the cooldown has
// elapsed; callers must hold b.mu.
func (b *Breaker) currentStateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
		b.state = HalfOpen
		b.probesInFlight = 0
	}
	return b.state
}

// Allow reports whether a call may proceed, and — if it may — returns a
// record function the caller must invoke with the call's outcome. When the
// breaker is Open, Allow returns a CircuitOpenError and a no-op record
// function.
func (b *Breaker) Allow() (proceed bool, record func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()
	switch state {
	case Open:
		return false, func(bool) {}, errors.NewCircuitOpenError(b.name)
	case HalfOpen:
		if b.probesInFlight >= b.cfg.ProbeQuota {
			return false, func(bool) {}, errors.NewCircuitOpenError(b.name)
		}
		b.probesInFlight++
		return true, b.recordHalfOpen, nil
	default: // Closed
		return true, b.recordClosed, nil
	}
}

// Call runs fn through the breaker, short-circuiting with CircuitOpenError
// if the breaker is open and the probe quota (if half-open) is exhausted.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	proceed, record, err := b.Allow()
	if !proceed {
		return err
	}
	callErr := fn(ctx)
	record(callErr == nil)
	return callErr
}

func (b *Breaker) recordClosed(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addSample(success)
	if b.shouldTrip() {
		b.state = Open
		b.openedAt = time.Now()
		b.samples = nil
	}
}

func (b *Breaker) recordHalfOpen(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probesInFlight--
	if success {
		b.state = Closed
		b.samples = nil
		return
	}
	// A single probe failure returns to Open (spec.md §4.7).
	b.state = Open
	b.openedAt = time.Now()
	b.samples = nil
}

func (b *Breaker) addSample(success bool) {
	now := time.Now()
	b.samples = append(b.samples, sample{at: now, success: success})
	cutoff := now.Add(-b.cfg.Window)
	kept := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.samples = kept
}

func (b *Breaker) shouldTrip() bool {
	if len(b.samples) < b.cfg.MinRequests {
		return false
	}
	var failures int
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	ratio := float64(failures) / float64(len(b.samples))
	return ratio > b.cfg.FailureThreshold
}

// ForceOpen manually trips the breaker (admin API "open a circuit").
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = time.Now()
	b.samples = nil
}

// ForceClose manually resets the breaker to Closed (admin API "close a
// circuit"), clearing all counters per spec.md §4.7 ("counters reset on
// close").
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.samples = nil
	b.probesInFlight = 0
}
