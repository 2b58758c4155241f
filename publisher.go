package edgebox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PublisherState is the phase of the current delivery cycle.
type PublisherState int32

const (
	PublisherIdle PublisherState = iota
	PublisherSending
	PublisherAcking
	PublisherBackoff
)

func (s PublisherState) String() string {
	switch s {
	case PublisherIdle:
		return "idle"
	case PublisherSending:
		return "sending"
	case PublisherAcking:
		return "acking"
	case PublisherBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Publisher drains a Queue into a Sink in id order.
//
// A cycle leases a batch, sends it and settles every event: acked events are
// deleted, rejected events go to the dead-letter area and the rest are
// returned to the queue. A transient failure puts the publisher into Backoff
// for a delay that grows with the failure streak; any successful send resets
// the streak.
type Publisher struct {
	queue   *Queue
	sink    Sink
	probe   Probe
	backoff BackoffStrategy
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock

	batchMaxCount     int
	batchMaxBytes     int64
	sendTimeout       time.Duration
	pollInterval      time.Duration
	probeInterval     time.Duration
	heartbeatInterval time.Duration

	state  atomic.Int32
	streak atomic.Int32
}

// NewPublisher creates a publisher draining queue into sink.
func NewPublisher(queue *Queue, sink Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		queue:             queue,
		sink:              sink,
		backoff:           DefaultBackoffStrategy(),
		logger:            zap.NewNop(),
		metrics:           NewNopMetricsCollector(),
		clock:             clockwork.NewRealClock(),
		batchMaxCount:     defaultBatchMaxCount,
		batchMaxBytes:     defaultBatchMaxBytes,
		sendTimeout:       defaultSendTimeout,
		pollInterval:      defaultPollInterval,
		probeInterval:     defaultProbeInterval,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current phase of the delivery cycle.
func (p *Publisher) State() PublisherState {
	return PublisherState(p.state.Load())
}

// FailureStreak returns the number of consecutive failed sends.
func (p *Publisher) FailureStreak() int {
	return int(p.streak.Load())
}

func (p *Publisher) setState(s PublisherState) {
	p.state.Store(int32(s))
}

// Run loops over PublishOnce until ctx is done or the queue is closed,
// calling hb every cycle and while waiting.
func (p *Publisher) Run(ctx context.Context, hb Heartbeat) error {
	if hb == nil {
		hb = noHeartbeat
	}
	p.logger.Info("Publisher starting")
	defer p.logger.Info("Publisher stopped")

	for {
		hb()
		wait, err := p.PublishOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrQueueClosed) {
			return err
		}
		if err != nil {
			p.logger.Warn("Publish cycle failed", zap.Error(err), zap.Duration("retry_in", wait))
		}
		if wait > 0 && !sleepWithHeartbeat(ctx, p.clock, wait, p.heartbeatInterval, hb) {
			return nil
		}
	}
}

// PublishOnce runs one delivery cycle. It returns how long the caller should
// wait before the next cycle: the backoff delay after a transient failure,
// the probe interval while the sink is unreachable, the poll interval after
// a queue error, zero otherwise.
func (p *Publisher) PublishOnce(ctx context.Context) (time.Duration, error) {
	p.setState(PublisherIdle)

	if p.probe != nil && !p.probe.IsReachable(ctx) {
		p.logger.Debug("Sink unreachable, skipping cycle")
		p.metrics.IncrementCounter("publisher.unreachable", nil)
		return p.probeInterval, nil
	}

	batch, err := p.dequeue(ctx)
	if err != nil {
		return p.pollInterval, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	p.setState(PublisherSending)
	p.metrics.IncrementCounter("publisher.attempts", nil)
	p.metrics.RecordGauge("publisher.batch_size", float64(len(batch)), nil)

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	start := p.clock.Now()
	acked, sendErr := p.sink.Send(sendCtx, batch)
	cancel()
	p.metrics.RecordDuration("publisher.send_latency", p.clock.Since(start), nil)

	p.setState(PublisherAcking)
	transient, err := p.settle(ctx, batch, acked, sendErr)

	if transient != nil {
		streak := int(p.streak.Add(1))
		delay := p.backoff.Delay(streak)
		p.setState(PublisherBackoff)
		p.metrics.RecordDuration("publisher.backoff", delay, nil)
		p.logger.Warn("Send failed, backing off",
			zap.Int("count", len(batch)),
			zap.Int("failure_streak", streak),
			zap.Duration("delay", delay),
			zap.Error(transient),
		)
		return delay, multierr.Append(transient, err)
	}

	p.streak.Store(0)
	p.setState(PublisherIdle)
	return 0, err
}

func (p *Publisher) dequeue(ctx context.Context) ([]Event, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.pollInterval)
	defer cancel()

	batch, err := p.queue.DequeueBatch(pollCtx, p.batchMaxCount, p.batchMaxBytes)
	if err == nil {
		return batch, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return nil, err
}

// settle applies the sink result to every event of batch. It returns the
// transient part of sendErr, which drives backoff, and the queue errors.
func (p *Publisher) settle(ctx context.Context, batch []Event, acked []int64, sendErr error) (transient, err error) {
	// Queue writes must land even when the run context is being cancelled.
	ctx = context.WithoutCancel(ctx)

	ackedSet := make(map[int64]struct{}, len(acked))
	for _, id := range acked {
		ackedSet[id] = struct{}{}
	}

	rejected := make(map[int64]error)
	for _, e := range multierr.Errors(sendErr) {
		var perm *PermanentSendError
		if errors.As(e, &perm) {
			rejected[perm.EventID] = perm
			continue
		}
		transient = multierr.Append(transient, e)
	}
	if sendErr != nil && transient == nil && len(rejected) == 0 {
		transient = sendErr
	}

	// Events the sink neither acked nor rejected, while the only failures
	// were rejections of other events, were never really attempted.
	unsettled := transient
	if unsettled == nil && sendErr == nil && len(acked) < len(batch) {
		unsettled = NewTransientSendError(errors.New("sink did not acknowledge event"))
		transient = unsettled
	}

	var ackCount, failCount, retryCount int
	for _, ev := range batch {
		fields := []zap.Field{zap.Int64("event_id", ev.ID), zap.Int("attempts", ev.Attempts)}

		if _, ok := ackedSet[ev.ID]; ok {
			err = multierr.Append(err, p.queue.Ack(ctx, ev.ID))
			ackCount++
			p.logger.Debug("Event delivered", fields...)
			continue
		}
		if cause, ok := rejected[ev.ID]; ok {
			err = multierr.Append(err, p.queue.Nack(ctx, ev.ID, true, cause))
			failCount++
			p.logger.Error("Event rejected by sink", append(fields, zap.Error(cause))...)
			continue
		}
		if unsettled == nil {
			p.queue.Release(ev.ID)
			continue
		}
		err = multierr.Append(err, p.queue.Nack(ctx, ev.ID, false, unsettled))
		retryCount++
	}

	if ackCount > 0 {
		p.logger.Info("Batch delivered", zap.Int("count", ackCount), zap.Int64("first_id", batch[0].ID))
	}
	for range ackCount {
		p.metrics.IncrementCounter("publisher.acked", nil)
	}
	for range failCount {
		p.metrics.IncrementCounter("publisher.failed", nil)
	}
	for range retryCount {
		p.metrics.IncrementCounter("publisher.retried", nil)
	}
	return transient, err
}
