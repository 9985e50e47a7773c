package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DecayTimer periodically runs the decay sweep.
type DecayTimer struct {
	detector *Detector
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewDecayTimer creates a timer that sweeps every interval.
func NewDecayTimer(detector *Detector, interval time.Duration, logger *slog.Logger) *DecayTimer {
	return &DecayTimer{
		detector: detector,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *DecayTimer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (t *DecayTimer) LastRun() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the sweep loop. Call in a goroutine.
func (t *DecayTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("decay timer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *DecayTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *DecayTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in decay timer", "panic", fmt.Sprint(r))
		}
	}()
	t.detector.DecaySweep(ctx)
	t.lastRun.Store(time.Now().UnixNano())
}
