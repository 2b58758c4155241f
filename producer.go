package edgebox

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// BackpressureHint tells an emitting collaborator how the queue is coping.
// It is advice only: Emit never blocks beyond the queue write timeout.
type BackpressureHint int

const (
	// HintNone means the event was stored and the queue has room.
	HintNone BackpressureHint = iota
	// HintReduceRate means the queue is filling up or has started dropping
	// old events; the caller should sample less often or send smaller payloads.
	HintReduceRate
	// HintDegraded means the event could not be stored. The caller should
	// skip or degrade its output until storage recovers.
	HintDegraded
)

func (h BackpressureHint) String() string {
	switch h {
	case HintNone:
		return "none"
	case HintReduceRate:
		return "reduce_rate"
	case HintDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Producer is the narrow entry point for sensing and inference code.
type Producer struct {
	queue              *Queue
	logger             *zap.Logger
	metrics            MetricsCollector
	propagator         propagation.TextMapPropagator
	reduceRateFraction float64

	mu          sync.Mutex
	lastDropped uint64
}

// NewProducer creates a producer appending to queue.
func NewProducer(queue *Queue, opts ...ProducerOption) *Producer {
	p := &Producer{
		queue:              queue,
		logger:             zap.NewNop(),
		metrics:            NewNopMetricsCollector(),
		propagator:         otel.GetTextMapPropagator(),
		reduceRateFraction: defaultReduceRateFraction,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastDropped = queue.Stats().DroppedCount
	return p
}

// Emit durably stores payload as a new event. The trace context of ctx, if
// any, is recorded in the event headers.
//
// On success the hint reports whether the caller should slow down. A storage
// failure returns HintDegraded with the error.
func (p *Producer) Emit(ctx context.Context, payload []byte, opts ...EmitOption) (BackpressureHint, error) {
	if len(payload) == 0 {
		return HintNone, ErrEmptyPayload
	}

	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}
	headers := o.headers
	if headers == nil {
		headers = make(map[string]string)
	}
	p.propagator.Inject(ctx, HeaderCarrier(headers))
	if len(headers) == 0 {
		headers = nil
	}

	id, err := p.queue.Enqueue(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			p.metrics.IncrementCounter("producer.rejected", nil)
			return HintNone, err
		}
		p.metrics.IncrementCounter("producer.degraded", nil)
		p.logger.Warn("Emit failed, producer should degrade", zap.Error(err))
		return HintDegraded, err
	}

	p.metrics.IncrementCounter("producer.emitted", nil)
	hint := p.hint()
	if hint != HintNone {
		p.logger.Debug("Emit backpressure", zap.Int64("event_id", id), zap.Stringer("hint", hint))
	}
	return hint, nil
}

func (p *Producer) hint() BackpressureHint {
	stats := p.queue.Stats()

	p.mu.Lock()
	newDrops := stats.DroppedCount > p.lastDropped
	p.lastDropped = stats.DroppedCount
	p.mu.Unlock()

	if newDrops {
		return HintReduceRate
	}

	maxEvents, maxBytes := p.queue.Capacity()
	retained := stats.Depth + stats.DeadLetters
	if maxEvents > 0 && float64(retained) >= p.reduceRateFraction*float64(maxEvents) {
		return HintReduceRate
	}
	if maxBytes > 0 && float64(stats.Bytes) >= p.reduceRateFraction*float64(maxBytes) {
		return HintReduceRate
	}
	return HintNone
}
