package proxy

import (
	"testing"
	"time"
)

func newTestCB() *CircuitBreaker {
	return NewCircuitBreaker(CBConfig{})
}

// TestCircuitBreaker_InitialStateClosed verifies a fresh breaker allows
// requests.
func TestCircuitBreaker_InitialStateClosed(t *testing.T) {
	cb := newTestCB()
	model := "anthropic/claude-sonnet-4-6"

	if !cb.Allow(model) {
		t.Error("new breaker should allow requests")
	}
	if cb.State(model) != cbClosed {
		t.Errorf("expected closed state, got %d", cb.State(model))
	}
}

// TestCircuitBreaker_OpensAfterThreshold verifies the breaker opens once the
// error threshold is reached within the window.
func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newTestCB()
	model := "openai/gpt-4.1"

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure(model)
		if cb.State(model) != cbClosed {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}

	cb.RecordFailure(model)
	if cb.State(model) != cbOpen {
		t.Errorf("expected open after %d failures, got %d", cbErrorThreshold, cb.State(model))
	}
}

// TestCircuitBreaker_OpenRejectsRequests verifies an open breaker blocks the
// model until the half-open timeout elapses.
func TestCircuitBreaker_OpenRejectsRequests(t *testing.T) {
	cb := newTestCB()
	model := "deepseek/deepseek-r1"

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure(model)
	}

	if cb.Allow(model) {
		t.Error("open breaker should reject requests")
	}
}

// TestCircuitBreaker_SuccessResetsCount verifies a success clears the error
// counter so earlier failures no longer count toward the threshold.
func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := newTestCB()
	model := "openai/o3"

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure(model)
	}
	cb.RecordSuccess(model)

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure(model)
	}

	if cb.State(model) != cbClosed {
		t.Error("breaker should still be closed after success reset")
	}
}

// TestCircuitBreaker_WindowReset verifies failures older than the rolling
// window do not count toward the threshold.
func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := newTestCB()
	model := "anthropic/claude-haiku-4-5"

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure(model)
	}

	// Fast-forward the window start beyond the rolling window.
	mcb := cb.get(model)
	mcb.mu.Lock()
	mcb.windowStart = time.Now().Add(-cbTimeWindow - time.Second)
	mcb.mu.Unlock()

	// This failure starts a new window; count goes back to 1.
	cb.RecordFailure(model)

	if cb.State(model) != cbClosed {
		t.Error("breaker should be closed after window reset")
	}
}

// TestCircuitBreaker_HalfOpenAfterTimeout verifies an open breaker allows a
// probe once the half-open timeout has elapsed.
func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := newTestCB()
	model := "google/gemini-2.5-flash"

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure(model)
	}

	// Fast-forward past the half-open timeout.
	mcb := cb.get(model)
	mcb.mu.Lock()
	mcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	mcb.mu.Unlock()

	if !cb.Allow(model) {
		t.Error("breaker should allow a probe after the half-open timeout")
	}
	if cb.State(model) != cbHalfOpen {
		t.Errorf("expected half-open, got %d", cb.State(model))
	}
}

// TestCircuitBreaker_HalfOpenSingleProbe verifies only one probe is in flight
// at a time during half-open.
func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := newTestCB()
	model := "openai/gpt-4.1-mini"

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure(model)
	}
	mcb := cb.get(model)
	mcb.mu.Lock()
	mcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	mcb.mu.Unlock()

	if !cb.Allow(model) {
		t.Fatal("first probe should be allowed")
	}
	if cb.Allow(model) {
		t.Error("second request should be rejected while the probe is in flight")
	}
}

// TestCircuitBreaker_HalfOpenSuccessCloses verifies a successful probe closes
// the breaker.
func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := newTestCB()
	model := "meta/llama-3.3-70b-instruct"

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure(model)
	}
	mcb := cb.get(model)
	mcb.mu.Lock()
	mcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	mcb.mu.Unlock()

	cb.Allow(model)
	cb.RecordSuccess(model)

	if cb.State(model) != cbClosed {
		t.Errorf("expected closed after probe success, got %d", cb.State(model))
	}
	if !cb.Allow(model) {
		t.Error("closed breaker should allow requests")
	}
}

// TestCircuitBreaker_HalfOpenFailureReopens verifies a failed probe trips the
// breaker straight back to open.
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestCB()
	model := "anthropic/claude-opus-4-6"

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure(model)
	}
	mcb := cb.get(model)
	mcb.mu.Lock()
	mcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	mcb.mu.Unlock()

	cb.Allow(model)

	// The probe failure lands in a window that already holds the original
	// failures, so the threshold trips again immediately.
	cb.RecordFailure(model)

	if cb.State(model) != cbOpen {
		t.Errorf("expected open after probe failure, got %d", cb.State(model))
	}
	if cb.Allow(model) {
		t.Error("reopened breaker should reject requests")
	}
}

// TestCircuitBreaker_IndependentModels verifies each model has its own
// breaker.
func TestCircuitBreaker_IndependentModels(t *testing.T) {
	cb := newTestCB()

	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure("openai/o3")
	}

	if cb.State("openai/o3") != cbOpen {
		t.Error("failing model's breaker should be open")
	}
	if cb.State("anthropic/claude-sonnet-4-6") != cbClosed {
		t.Error("other model's breaker should be unaffected")
	}
	if !cb.Allow("anthropic/claude-sonnet-4-6") {
		t.Error("other model should still be allowed")
	}
}

// TestCBConfig_Defaults verifies zero-value config falls back to the package
// defaults.
func TestCBConfig_Defaults(t *testing.T) {
	var cfg CBConfig
	if cfg.errorThreshold() != cbErrorThreshold {
		t.Errorf("errorThreshold = %d", cfg.errorThreshold())
	}
	if cfg.timeWindow() != cbTimeWindow {
		t.Errorf("timeWindow = %v", cfg.timeWindow())
	}
	if cfg.halfOpenTimeout() != cbHalfOpenTimeout {
		t.Errorf("halfOpenTimeout = %v", cfg.halfOpenTimeout())
	}

	cfg = CBConfig{ErrorThreshold: 2, TimeWindow: time.Second, HalfOpenTimeout: time.Second}
	if cfg.errorThreshold() != 2 || cfg.timeWindow() != time.Second || cfg.halfOpenTimeout() != time.Second {
		t.Error("explicit values should override defaults")
	}
}
