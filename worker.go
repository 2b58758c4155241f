package edgebox

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// BaseWorker is a generic, ticker-based worker.
// It runs a given function at a specified interval and heartbeats between
// runs, so it can be handed to a Supervisor through Run.
type BaseWorker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger
	clock    clockwork.Clock
	workFunc func(ctx context.Context) error
}

// NewBaseWorker creates a new generic worker. A nil clock means the wall clock.
func NewBaseWorker(name string, interval time.Duration, clock clockwork.Clock, logger *zap.Logger, workFunc func(ctx context.Context) error) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		clock:    clock,
		workFunc: workFunc,
	}
}

// Run executes the work function every interval until ctx is done. A run in
// progress is always finished before Run returns.
func (w *BaseWorker) Run(ctx context.Context, hb Heartbeat) error {
	if hb == nil {
		hb = noHeartbeat
	}

	w.logger.Info("Worker starting", zap.String("worker", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("worker", w.name))

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	beat := w.clock.NewTicker(min(w.interval, defaultHeartbeatInterval))
	defer beat.Stop()

	hb()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.Chan():
			hb()
		case <-ticker.Chan():
			// The tick may race with cancellation.
			if ctx.Err() != nil {
				return nil
			}
			w.execute(ctx)
			hb()
		}
	}
}

func (w *BaseWorker) execute(ctx context.Context) {
	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("worker", w.name), zap.Error(err))
	}
}

// Name returns the name of the worker.
func (w *BaseWorker) Name() string {
	return w.name
}

// sleepWithHeartbeat waits d in steps of at most step, calling hb after each
// step. It reports false if ctx ended first.
func sleepWithHeartbeat(ctx context.Context, clock clockwork.Clock, d, step time.Duration, hb Heartbeat) bool {
	for d > 0 {
		wait := min(d, step)
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(wait):
		}
		hb()
		d -= wait
	}
	return true
}
