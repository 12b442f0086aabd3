// Package breaker implements the per-agent circuit breaker state machine
// that guards the gateway's routing decisions.
//
// Transitions:
//
//	closed    →(N consecutive failures within window W)→ open
//	open      →(cool-down T elapses)→ half_open
//	half_open →(single probe succeeds)→ closed
//	half_open →(probe fails)→ open, cool-down doubled (capped)
//
// While open, Allow refuses routing until the cool-down elapses; the
// half-open state admits exactly one probe at a time.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker's position in the state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned when routing to an agent is refused because its
// breaker is open.
type OpenError struct {
	AgentID string
	Until   time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for agent %s until %s", e.AgentID, e.Until.Format(time.RFC3339))
}

// Config tunes a breaker. Zero values fall back to the defaults used by the
// production gateway (threshold 5, window 30s, cool-down 60s capped at 10m).
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// Breaker is one agent's failure/success state machine. All methods are
// safe for concurrent use; each breaker carries its own lock so that
// unrelated agents never contend.
type Breaker struct {
	mu sync.Mutex

	cfg      Config
	state    State
	failures int
	// windowStart anchors the consecutive-failure window; failures older
	// than cfg.Window do not accumulate toward the threshold.
	windowStart time.Time
	openedAt    time.Time
	cooldown    time.Duration
	// probing is true while the single half-open probe is in flight.
	probing bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// Allow reports whether a request may be routed through this breaker.
// In the half-open state exactly one caller is admitted as the probe;
// concurrent callers are refused until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess notes a successful call. A half-open probe success closes
// the breaker and resets the cool-down to its base value.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.cooldown = b.cfg.Cooldown
	case StateClosed:
		// nothing to reset beyond the failure run
	}
	b.failures = 0
	b.probing = false
}

// RecordFailure notes a failed call. Consecutive failures within the window
// trip the breaker; a failed half-open probe reopens it with a doubled
// cool-down, capped at MaxCooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.open(now)
		return
	case StateOpen:
		return
	}

	// Closed: count consecutive failures inside the window.
	if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

// ForceOpen trips the breaker immediately, regardless of failure counts.
// Used when the heartbeat loop declares an agent unreachable.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open(time.Now())
}

// State returns the current state, advancing open → half_open if the
// cool-down has elapsed (without admitting a probe).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// RetryAt returns when an open breaker will next admit a probe.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt.Add(b.cooldown)
}

// open must be called with b.mu held.
func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.probing = false
}

// Stats is a snapshot of one breaker for metrics endpoints.
type Stats struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	Cooldown string    `json:"cooldown,omitempty"`
}

func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{State: b.state, Failures: b.failures}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
		s.Cooldown = b.cooldown.String()
	}
	return s
}

// ── Registry ─────────────────────────────────────────────────

// Registry holds one breaker per agent id. The registry lock only guards
// the map; breaker state transitions take each breaker's own lock.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry with shared config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an agent, creating a closed one on first use.
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[agentID]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[agentID] = b
	return b
}

// Allow reports whether the agent's breaker admits a request.
func (r *Registry) Allow(agentID string) bool {
	return r.Get(agentID).Allow()
}

// RecordSuccess notes a successful call for the agent.
func (r *Registry) RecordSuccess(agentID string) {
	r.Get(agentID).RecordSuccess()
}

// RecordFailure notes a failed call for the agent.
func (r *Registry) RecordFailure(agentID string) {
	b := r.Get(agentID)
	before := b.State()
	b.RecordFailure()
	if after := b.State(); before != StateOpen && after == StateOpen {
		log.Warn().Str("agent_id", agentID).Msg("circuit breaker opened")
	}
}

// ForceOpen trips the agent's breaker immediately.
func (r *Registry) ForceOpen(agentID string) {
	r.Get(agentID).ForceOpen()
}

// Remove drops an agent's breaker, e.g. on deregistration.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	delete(r.breakers, agentID)
	r.mu.Unlock()
}

// Stats returns a snapshot of all breakers keyed by agent id.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
