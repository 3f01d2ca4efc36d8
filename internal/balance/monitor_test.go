package balance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestNilProbe verifies a probe-less monitor reports a funded wallet and
// closes cleanly.
func TestNilProbe(t *testing.T) {
	m := NewMonitor(nil, 0, nil)
	m.Start(context.Background())
	defer m.Close()

	if m.Empty() {
		t.Fatal("nil probe should report a funded wallet")
	}
}

// TestStartProbesSynchronously verifies the first probe runs before Start
// returns.
func TestStartProbesSynchronously(t *testing.T) {
	var calls atomic.Int64
	m := NewMonitor(func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	}, time.Hour, nil)

	m.Start(context.Background())
	defer m.Close()

	if calls.Load() != 1 {
		t.Fatalf("probe ran %d times during Start, want 1", calls.Load())
	}
	if !m.Empty() {
		t.Fatal("monitor should report the probed state immediately")
	}
}

// TestPolling verifies the probe keeps running on the interval and state
// transitions are picked up.
func TestPolling(t *testing.T) {
	var empty atomic.Bool
	empty.Store(true)

	m := NewMonitor(func(context.Context) (bool, error) {
		return empty.Load(), nil
	}, 10*time.Millisecond, nil)

	m.Start(context.Background())
	defer m.Close()

	if !m.Empty() {
		t.Fatal("initial probe should report empty")
	}

	empty.Store(false)
	deadline := time.After(2 * time.Second)
	for m.Empty() {
		select {
		case <-deadline:
			t.Fatal("monitor never observed the refilled wallet")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestProbeErrorKeepsLastValue verifies transient failures do not flap the
// cached state.
func TestProbeErrorKeepsLastValue(t *testing.T) {
	var fail atomic.Bool
	m := NewMonitor(func(context.Context) (bool, error) {
		if fail.Load() {
			return true, errors.New("rpc unreachable")
		}
		return false, nil
	}, 10*time.Millisecond, nil)

	m.Start(context.Background())
	defer m.Close()

	fail.Store(true)
	time.Sleep(50 * time.Millisecond)

	if m.Empty() {
		t.Fatal("probe error must not change the cached state")
	}
}

// TestSetEmptyOverride verifies the direct override used at startup.
func TestSetEmptyOverride(t *testing.T) {
	m := NewMonitor(nil, 0, nil)
	m.SetEmpty(true)
	if !m.Empty() {
		t.Fatal("SetEmpty(true) not reflected")
	}
	m.SetEmpty(false)
	if m.Empty() {
		t.Fatal("SetEmpty(false) not reflected")
	}
}

// TestCloseIdempotent verifies double Close does not panic or hang.
func TestCloseIdempotent(t *testing.T) {
	m := NewMonitor(func(context.Context) (bool, error) { return false, nil }, time.Hour, nil)
	m.Start(context.Background())
	m.Close()
	m.Close()
}
