// Package circuitbreaker implements per-dependency fail-fast protection
// for the transaction pipeline's downstream services.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Probing whether the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probes in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// a closed breaker to open.
	FailureThreshold int

	// OpenCooldown is how long the breaker stays open before allowing
	// a half-open probe.
	OpenCooldown time.Duration

	// HalfOpenProbes is the number of concurrent callers admitted in
	// half-open state.
	HalfOpenProbes int

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the pipeline defaults: 5 consecutive failures
// trip, 300s cooldown, single half-open probe.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		OpenCooldown:     300 * time.Second,
		HalfOpenProbes:   1,
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request/response counts for the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Clear resets all counts
func (c *Counts) Clear() {
	*c = Counts{}
}

// OnSuccess records a successful request
func (c *Counts) OnSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed request
func (c *Counts) OnFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker tracks failure state for one downstream dependency.
type CircuitBreaker struct {
	cfg *Config

	mu          sync.Mutex
	state       State
	generation  uint64
	counts      Counts
	lastFailure time.Time
	expiry      time.Time
	probes      int
	forcedBy    string
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, advancing open->half-open when the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Counts returns the current generation's counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow reports whether a request may proceed. In half-open state at
// most HalfOpenProbes concurrent callers are admitted; each admitted
// caller must follow with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenProbes {
			return ErrTooManyRequests
		}
		cb.probes++
	}
	return nil
}

// RecordSuccess records a successful call. A half-open success closes
// the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateClosed:
		cb.counts.OnSuccess()
	case StateHalfOpen:
		cb.counts.OnSuccess()
		cb.setState(StateClosed, now)
	}
}

// RecordFailure records a failed call. Consecutive failures at or above
// the threshold trip a closed breaker; any half-open failure reopens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.lastFailure = now
	switch cb.currentState(now) {
	case StateClosed:
		cb.counts.OnFailure()
		if int(cb.counts.ConsecutiveFailures) >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.counts.OnFailure()
		cb.setState(StateOpen, now)
	}
}

// ForceOpen trips the breaker regardless of counts, recording the reason.
func (cb *CircuitBreaker) ForceOpen(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.lastFailure = now
	cb.forcedBy = reason
	if cb.state != StateOpen {
		cb.setState(StateOpen, now)
	} else {
		cb.expiry = now.Add(cb.cfg.OpenCooldown)
	}
}

// LastFailure returns the time of the most recent recorded failure.
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

// ResetScan transitions an open breaker to half-open if the cooldown has
// elapsed. Called by the controller's health tick in addition to the
// lazy check so breakers recover even without traffic.
func (cb *CircuitBreaker) ResetScan(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.currentState(now)
}

// currentState advances open->half-open when due. Callers hold cb.mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && cb.expiry.Before(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// setState changes state and starts a new generation. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.counts.Clear()
	cb.probes = 0

	if state == StateOpen {
		cb.expiry = now.Add(cb.cfg.OpenCooldown)
	} else {
		cb.expiry = time.Time{}
		cb.forcedBy = ""
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages multiple circuit breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns a circuit breaker by name, creating if necessary
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb
	return cb
}

// ResetScan runs the cooldown scan over every breaker.
func (m *Manager) ResetScan(now time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.ResetScan(now)
	}
}

// Stats returns a state snapshot for all circuit breakers
func (m *Manager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = BreakerStats{
			Name:   name,
			State:  cb.State(),
			Counts: cb.Counts(),
		}
	}
	return stats
}

// BreakerStats contains stats for a single circuit breaker
type BreakerStats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// ============================================================================
// PIPELINE BREAKER SET
// ============================================================================

// Set provides the pre-wired breakers for the spend pipeline's
// downstream dependencies.
type Set struct {
	Manager *Manager

	Profile  *CircuitBreaker
	Risk     *CircuitBreaker
	Limit    *CircuitBreaker
	Overflow *CircuitBreaker
}

// NewSet builds the pipeline breaker set from one shared default config.
func NewSet(cfg *Config) *Set {
	mgr := NewManager(cfg)
	return &Set{
		Manager:  mgr,
		Profile:  mgr.Get("profile_service"),
		Risk:     mgr.Get("risk_service"),
		Limit:    mgr.Get("limit_service"),
		Overflow: mgr.Get("queue_overflow"),
	}
}

// HealthStatus returns overall health based on breaker states.
func (s *Set) HealthStatus() (string, map[string]string) {
	stats := s.Manager.Stats()

	statuses := make(map[string]string, len(stats))
	healthy := true
	for name, stat := range stats {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
