package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradenode/internal/chain"
)

// DefaultInterval is how often every watched address is rescanned when
// nothing wakes the timer earlier.
const DefaultInterval = 30 * time.Second

// Timer drives a Reconciler: a full scan per tick, and single-address
// rescans for adapter notifications and hints.
type Timer struct {
	rec      *Reconciler
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
}

// NewTimer creates a timer. interval <= 0 uses DefaultInterval.
func NewTimer(rec *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = rec.logger
	}
	return &Timer{
		rec:      rec,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx ends or Stop is called. Call in a goroutine,
// once; a Stop that lands before the loop begins keeps it from running.
func (t *Timer) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	defer close(t.done)
	select {
	case <-t.stop:
		return
	default:
	}
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var updates <-chan string
	if n, ok := t.rec.ledger.(chain.Notifier); ok {
		updates = n.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx, "scan", func() error { return t.rec.ScanAll(ctx) })
		case addr := <-updates:
			if t.rec.Watching(addr) {
				t.safeRun(ctx, "notification", func() error { return t.rec.Rescan(ctx, addr) })
			}
		case addr := <-t.rec.hints:
			t.safeRun(ctx, "hint", func() error { return t.rec.Rescan(ctx, addr) })
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe to call when the loop
// never started.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.started.Load() {
		<-t.done
	}
}

func (t *Timer) safeRun(ctx context.Context, trigger string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "trigger", trigger, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil && ctx.Err() == nil {
		t.logger.Warn("reconcile run failed", "trigger", trigger, "error", err)
	}
}
