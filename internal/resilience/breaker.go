// Package resilience holds the guards that sit in front of generation
// providers: a per-provider circuit breaker, a daily quota controller, and a
// content-addressed result cache.
//
// All three are shared by every pipeline worker. Each method is a single
// atomic operation and none of them holds a lock while calling out.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
	"github.com/rs/zerolog/log"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a single trial call.
	CircuitHalfOpen
)

// String returns the upper-case state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open after the last
	// failure before a trial call is allowed.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns 5 failures / 60s recovery.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	Failures        int        `json:"failures"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	TotalFailures   int64      `json:"total_failures"`
	TotalRejections int64      `json:"total_rejections"`
}

// CircuitBreaker tracks consecutive failures of one provider and fails fast
// while the provider looks down.
//
//   - CLOSED → OPEN after FailureThreshold consecutive failures.
//   - OPEN → HALF_OPEN once RecoveryTimeout has elapsed since the last failure.
//   - HALF_OPEN admits exactly one trial: success closes the circuit and
//     zeroes the failure count, failure re-opens it and restarts the timer.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker. Zero config fields fall back
// to DefaultBreakerConfig.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  CircuitClosed,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

// SetClock replaces the time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// Name returns the provider name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state without triggering transitions.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// CanExecute reports whether a call may proceed. In OPEN it moves to
// HALF_OPEN once the recovery timeout has elapsed and admits that caller as
// the trial.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.trialInFlight = true
			return true
		}
		cb.totalRejections++
		return false

	case CircuitHalfOpen:
		if cb.trialInFlight {
			cb.totalRejections++
			return false
		}
		cb.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and zeroes the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialInFlight = false
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure counts a failed call and opens the circuit when the
// threshold is reached, or immediately when the failed call was the
// half-open trial.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.totalFailures++
	cb.lastFailure = cb.now()
	cb.trialInFlight = false

	switch cb.state {
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	}
}

// ReleaseTrial gives back a half-open trial slot that was admitted by
// CanExecute but never used, so the next caller can take it. No-op in any
// other state.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.trialInFlight = false
	}
}

// Stats returns a snapshot for diagnostics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := BreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		s.LastFailure = &t
	}
	return s
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(state))

	event := log.Info()
	if state == CircuitOpen {
		event = log.Warn()
	}
	event.
		Str("provider", cb.name).
		Str("from", prev.String()).
		Str("to", state.String()).
		Int("failures", cb.failures).
		Msg("Circuit breaker state change")
}

// ── Breaker Set ──────────────────────────────────────────────

// BreakerSet hands out one breaker per provider name.
type BreakerSet struct {
	config BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set whose breakers share config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (s *BreakerSet) Get(provider string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, s.config)
	s.breakers[provider] = cb
	return cb
}

// Stats returns every breaker's stats sorted by name.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		list = append(list, cb)
	}
	s.mu.RUnlock()

	out := make([]BreakerStats, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
