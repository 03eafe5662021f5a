// Package ai holds the LLM client adapters: the real OpenAI-compatible
// client, a deterministic mock for dev and tests, and the shared circuit
// breaker that guards a flapping upstream.
package ai

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probes through after the recovery timeout.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips per model after consecutive upstream failures, so a
// broken model stops burning the queue's latency budget on doomed calls.
type CircuitBreaker struct {
	mu               sync.Mutex
	model            string
	failureThreshold int
	recoveryTimeout  time.Duration
	state            CircuitState
	failures         int
	lastFailure      time.Time
}

// NewCircuitBreaker returns a closed breaker for one model.
func NewCircuitBreaker(model string) *CircuitBreaker {
	return &CircuitBreaker{
		model:            model,
		failureThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		state:            CircuitClosed,
	}
}

// Allow reports whether a request may proceed. An open breaker flips to
// half-open once the recovery timeout has elapsed, admitting a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			slog.Info("circuit breaker half-open", slog.String("model", cb.model))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != CircuitClosed {
		cb.state = CircuitClosed
		slog.Info("circuit breaker closed", slog.String("model", cb.model))
	}
}

// RecordFailure counts one upstream failure. A half-open probe failure
// reopens immediately; a closed breaker opens at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		if cb.state != CircuitOpen {
			slog.Warn("circuit breaker opened",
				slog.String("model", cb.model),
				slog.Int("failures", cb.failures))
		}
		cb.state = CircuitOpen
	}
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerSet hands out one breaker per model.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet returns an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for a model, creating it on first use.
func (s *BreakerSet) For(model string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[model]
	if !ok {
		cb = NewCircuitBreaker(model)
		s.breakers[model] = cb
	}
	return cb
}
