// Package logger implements a non-blocking, batched request logger with an
// in-memory ring of recent requests.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. The ring keeps the most recent entries for
// inspection; nothing is persisted.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	ringCapacity  = 512
)

type RequestLog struct {
	ID             uuid.UUID
	Model          string
	Tier           string
	Method         string
	Status         uint16
	LatencyMs      uint32
	Streamed       bool
	DedupRole      string
	PaymentRetried bool
	CreatedAt      time.Time
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	ringMu  sync.Mutex
	ring    [ringCapacity]RequestLog
	ringLen int
	ringPos int

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	l.ringMu.Lock()
	l.ring[l.ringPos] = entry
	l.ringPos = (l.ringPos + 1) % ringCapacity
	if l.ringLen < ringCapacity {
		l.ringLen++
	}
	l.ringMu.Unlock()

	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// Recent returns the ring contents, oldest first.
func (l *Logger) Recent() []RequestLog {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	out := make([]RequestLog, 0, l.ringLen)
	start := (l.ringPos - l.ringLen + ringCapacity) % ringCapacity
	for i := 0; i < l.ringLen; i++ {
		out = append(out, l.ring[(start+i)%ringCapacity])
	}
	return out
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("model", e.Model),
				slog.String("tier", e.Tier),
				slog.String("method", e.Method),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Bool("streamed", e.Streamed),
				slog.String("dedup", e.DedupRole),
				slog.Bool("payment_retried", e.PaymentRetried),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
