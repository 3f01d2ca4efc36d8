// Package balance tracks whether the wallet can fund paid requests. The
// router consumes only a boolean: empty wallets route to the free tier.
package balance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultInterval = 30 * time.Second

// ProbeFunc checks the wallet and reports whether it is empty.
type ProbeFunc func(ctx context.Context) (empty bool, err error)

// Monitor polls a probe on an interval and caches the last answer. A probe
// failure keeps the previous answer; flapping to "empty" on a transient
// network error would silently downgrade every request.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	log      *slog.Logger

	empty  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor builds a monitor. A nil probe yields a monitor that always
// reports a funded wallet, used when no wallet key is configured at all.
func NewMonitor(probe ProbeFunc, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start probes once synchronously, then keeps polling in the background
// until Close.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		close(m.done)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.poll(runCtx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.poll(runCtx)
			}
		}
	}()
}

func (m *Monitor) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	empty, err := m.probe(probeCtx)
	if err != nil {
		m.log.Warn("wallet balance probe failed", slog.String("error", err.Error()))
		return
	}
	if m.empty.Swap(empty) != empty {
		m.log.Info("wallet balance state changed", slog.Bool("empty", empty))
	}
}

// Empty reports the last known wallet state. Never blocks.
func (m *Monitor) Empty() bool {
	return m.empty.Load()
}

// SetEmpty overrides the state directly, for startup defaults and tests.
func (m *Monitor) SetEmpty(v bool) {
	m.empty.Store(v)
}

// Close stops polling. Idempotent.
func (m *Monitor) Close() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
}
