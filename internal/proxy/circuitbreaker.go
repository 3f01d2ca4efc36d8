package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-model circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — model is failing; it is skipped in the fallback chain.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	cbErrorThreshold  = 5
	cbTimeWindow      = 60 * time.Second
	cbHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return cbHalfOpenTimeout
}

// modelCB holds per-model circuit breaker state.
type modelCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers per upstream model. A
// model whose breaker is open is skipped in the fallback chain unless it is
// the only candidate left. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*modelCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the given thresholds.
// Breakers are created lazily per model on first use.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*modelCB),
		cfg:      cfg,
	}
}

// Allow reports whether the named model should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(model string) bool {
	mcb := cb.get(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	switch mcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(mcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			// Transition to half-open: allow exactly one probe request.
			mcb.state = cbHalfOpen
			mcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if mcb.probeInflight {
			// A probe is already in flight — reject other requests.
			return false
		}
		mcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for model and resets the breaker
// to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(model string) {
	mcb := cb.get(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	mcb.state = cbClosed
	mcb.errorCount = 0
	mcb.probeInflight = false
	mcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for model. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(model string) {
	mcb := cb.get(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(mcb.windowStart) > cb.cfg.timeWindow() {
		mcb.errorCount = 0
		mcb.windowStart = now
	}

	mcb.errorCount++
	mcb.probeInflight = false

	if mcb.errorCount >= cb.cfg.errorThreshold() {
		mcb.state = cbOpen
		mcb.openedAt = now
	}
}

// State returns the current cbState for model.
func (cb *CircuitBreaker) State(model string) cbState {
	mcb := cb.get(model)
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	return mcb.state
}

func (cb *CircuitBreaker) get(model string) *modelCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	mcb, ok := cb.breakers[model]
	if !ok {
		mcb = &modelCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[model] = mcb
	}
	return mcb
}
