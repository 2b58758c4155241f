package edgebox

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// SamplingLoop samples a Source at a fixed cadence and emits every sample.
// HintReduceRate doubles the interval up to a cap; HintNone restores it.
type SamplingLoop struct {
	source      Source
	producer    *Producer
	interval    time.Duration
	maxInterval time.Duration
	emitOpts    []EmitOption
	clock       clockwork.Clock
	logger      *zap.Logger

	current time.Duration
}

// NewSamplingLoop creates a loop sampling source every interval.
func NewSamplingLoop(source Source, producer *Producer, interval time.Duration, opts ...SamplingLoopOption) *SamplingLoop {
	l := &SamplingLoop{
		source:      source,
		producer:    producer,
		interval:    interval,
		maxInterval: 8 * interval,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.current = interval
	return l
}

// Interval returns the current sampling interval.
func (l *SamplingLoop) Interval() time.Duration {
	return l.current
}

// Run samples until ctx is done.
func (l *SamplingLoop) Run(ctx context.Context, hb Heartbeat) error {
	if hb == nil {
		hb = noHeartbeat
	}
	for {
		hb()
		l.SampleOnce(ctx)
		if !sleepWithHeartbeat(ctx, l.clock, l.current, defaultHeartbeatInterval, hb) {
			return nil
		}
	}
}

// SampleOnce takes one sample, emits it and adapts the interval to the hint.
func (l *SamplingLoop) SampleOnce(ctx context.Context) {
	payload, err := l.source.Sample(ctx)
	if err != nil {
		l.logger.Warn("Sampling failed", zap.Error(err))
		return
	}
	if len(payload) == 0 {
		return
	}

	hint, err := l.producer.Emit(ctx, payload, l.emitOpts...)
	if err != nil {
		l.logger.Warn("Emit failed", zap.Stringer("hint", hint), zap.Error(err))
	}

	switch hint {
	case HintReduceRate:
		next := min(l.current*2, l.maxInterval)
		if next != l.current {
			l.logger.Info("Reducing sampling rate", zap.Duration("interval", next))
		}
		l.current = next
	case HintNone:
		if err == nil && l.current != l.interval {
			l.logger.Info("Restoring sampling rate", zap.Duration("interval", l.interval))
			l.current = l.interval
		}
	}
}
