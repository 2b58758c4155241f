package edgebox

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts        = 10
	defaultVisibilityTimeout  = 30 * time.Second
	defaultWriteTimeout       = 2 * time.Second
	defaultDeadLetterCapacity = 1000
	defaultBatchMaxCount      = 100
	defaultBatchMaxBytes      = 1 << 20
	defaultSendTimeout        = 10 * time.Second
	defaultPollInterval       = 1 * time.Second
	defaultProbeInterval      = 5 * time.Second
	defaultHeartbeatInterval  = 1 * time.Second
	defaultReduceRateFraction = 0.8

	defaultHeartbeatTTL          = 30 * time.Second
	defaultCheckInterval         = 5 * time.Second
	defaultMaxRestarts           = 5
	defaultStopTimeout           = 5 * time.Second
	defaultStorageErrorThreshold = 5

	defaultLeaseInterval       = 5 * time.Second
	defaultCompactionInterval  = 10 * time.Minute
	defaultDeadLetterRetention = 7 * 24 * time.Hour
	defaultPurgeInterval       = 1 * time.Hour
	defaultReportInterval      = 15 * time.Second
)

//
// Queue Options
//

type QueueOption func(*Queue)

func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithQueueMetrics(metrics MetricsCollector) QueueOption {
	return func(q *Queue) {
		q.metrics = metrics
	}
}

func WithClock(clock clockwork.Clock) QueueOption {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithCapacity bounds the number of retained events and their payload bytes.
// Zero disables a limit.
func WithCapacity(maxEvents int, maxBytes int64) QueueOption {
	return func(q *Queue) {
		q.maxEvents = maxEvents
		q.maxBytes = maxBytes
	}
}

// WithMaxPayload rejects payloads larger than n bytes with ErrPayloadTooLarge.
// Zero leaves the limit to the byte capacity and the store.
func WithMaxPayload(n int64) QueueOption {
	return func(q *Queue) {
		q.maxPayload = n
	}
}

func WithDeadLetterCapacity(n int) QueueOption {
	return func(q *Queue) {
		q.deadLetterCap = n
	}
}

func WithMaxAttempts(attempts int) QueueOption {
	return func(q *Queue) {
		q.maxAttempts = attempts
	}
}

func WithVisibilityTimeout(timeout time.Duration) QueueOption {
	return func(q *Queue) {
		q.visibilityTimeout = timeout
	}
}

// WithWriteTimeout bounds how long Enqueue may wait for the durable write.
// Zero waits as long as the caller's context allows.
func WithWriteTimeout(timeout time.Duration) QueueOption {
	return func(q *Queue) {
		q.writeTimeout = timeout
	}
}

//
// Publisher Options
//

type PublisherOption func(*Publisher)

func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

func WithPublisherClock(clock clockwork.Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = clock
	}
}

func WithBatchLimits(maxCount int, maxBytes int64) PublisherOption {
	return func(p *Publisher) {
		p.batchMaxCount = maxCount
		p.batchMaxBytes = maxBytes
	}
}

func WithSendTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.sendTimeout = timeout
	}
}

// WithPollInterval sets how long one cycle waits for events before returning.
func WithPollInterval(interval time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.pollInterval = interval
	}
}

func WithBackoffStrategy(strategy BackoffStrategy) PublisherOption {
	return func(p *Publisher) {
		p.backoff = strategy
	}
}

// WithProbe gates every send on probe. While unreachable the publisher
// waits interval between checks.
func WithProbe(probe Probe, interval time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.probe = probe
		p.probeInterval = interval
	}
}

//
// Producer Options
//

type ProducerOption func(*Producer)

func WithProducerLogger(logger *zap.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

func WithProducerMetrics(metrics MetricsCollector) ProducerOption {
	return func(p *Producer) {
		p.metrics = metrics
	}
}

// WithReduceRateFraction sets the fill level of the queue, as a fraction of
// its event capacity, above which Emit hints the caller to slow down.
func WithReduceRateFraction(fraction float64) ProducerOption {
	return func(p *Producer) {
		p.reduceRateFraction = fraction
	}
}

// WithPropagator sets the propagator used to record trace context in event
// headers. The global OpenTelemetry propagator is used by default.
func WithPropagator(propagator propagation.TextMapPropagator) ProducerOption {
	return func(p *Producer) {
		p.propagator = propagator
	}
}

//
// Sampling Loop Options
//

type SamplingLoopOption func(*SamplingLoop)

func WithSamplingLogger(logger *zap.Logger) SamplingLoopOption {
	return func(l *SamplingLoop) {
		l.logger = logger
	}
}

func WithSamplingClock(clock clockwork.Clock) SamplingLoopOption {
	return func(l *SamplingLoop) {
		l.clock = clock
	}
}

// WithMaxSamplingInterval caps how far backpressure may stretch the interval.
func WithMaxSamplingInterval(interval time.Duration) SamplingLoopOption {
	return func(l *SamplingLoop) {
		l.maxInterval = interval
	}
}

func WithSamplingEmitOptions(opts ...EmitOption) SamplingLoopOption {
	return func(l *SamplingLoop) {
		l.emitOpts = opts
	}
}

//
// Emit Options
//

type EmitOption func(*emitOptions)

type emitOptions struct {
	headers map[string]string
}

// WithHeader attaches a header to the emitted event.
func WithHeader(key, value string) EmitOption {
	return func(o *emitOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

//
// Supervisor Options
//

type SupervisorOption func(*Supervisor)

func WithSupervisorLogger(logger *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

func WithSupervisorMetrics(metrics MetricsCollector) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = metrics
	}
}

func WithSupervisorClock(clock clockwork.Clock) SupervisorOption {
	return func(s *Supervisor) {
		s.clock = clock
	}
}

func WithHeartbeatTTL(ttl time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.ttl = ttl
	}
}

func WithCheckInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.checkInterval = interval
	}
}

// WithMaxRestarts sets how many consecutive restarts a worker gets before it
// is escalated.
func WithMaxRestarts(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxAttempts = n
	}
}

func WithRestartBackoff(strategy BackoffStrategy) SupervisorOption {
	return func(s *Supervisor) {
		s.backoff = strategy
	}
}

func WithStopTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stopTimeout = timeout
	}
}

func WithEscalationHandler(handler EscalationHandler) SupervisorOption {
	return func(s *Supervisor) {
		s.onEscalate = handler
	}
}

// WithStorageWatch makes the supervisor escalate once queue reports
// threshold consecutive storage errors.
func WithStorageWatch(queue *Queue, threshold int) SupervisorOption {
	return func(s *Supervisor) {
		s.queue = queue
		s.storageErrorThreshold = threshold
	}
}

//
// Node Options
//

type NodeOption func(*Node)

func WithNodeLogger(logger *zap.Logger) NodeOption {
	return func(n *Node) {
		n.logger = logger
	}
}

func WithNodeMetrics(metrics MetricsCollector) NodeOption {
	return func(n *Node) {
		n.metrics = metrics
	}
}

func WithNodeClock(clock clockwork.Clock) NodeOption {
	return func(n *Node) {
		n.clock = clock
	}
}

// WithNodeProbe replaces the TCP probe built from Config.ProbeAddress.
func WithNodeProbe(probe Probe) NodeOption {
	return func(n *Node) {
		n.probe = probe
	}
}

// WithNodeEscalationHandler receives every health event the supervisor raises.
func WithNodeEscalationHandler(handler EscalationHandler) NodeOption {
	return func(n *Node) {
		n.onEscalate = handler
	}
}

// WithSinkFactory builds the sink from the queue instance id when NewNode is
// given a nil sink.
func WithSinkFactory(factory SinkFactory) NodeOption {
	return func(n *Node) {
		n.sinkFactory = factory
	}
}

// WithSource adds a supervised sampling loop emitting the samples of source
// every interval.
func WithSource(name string, source Source, interval time.Duration) NodeOption {
	return func(n *Node) {
		n.sources = append(n.sources, sourceSpec{name: name, source: source, interval: interval})
	}
}
