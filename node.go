package edgebox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/edgebox/storage"
)

// ErrFatalHealthEvent is returned by Node.Run when an escalation stops the node.
var ErrFatalHealthEvent = errors.New("fatal health event")

// ErrNoSink is returned by NewNode when neither a sink nor a sink factory is given.
var ErrNoSink = errors.New("no sink configured")

// SinkFactory builds the sink once the queue instance id is known.
type SinkFactory func(instanceID string) (Sink, error)

// Config holds the tunables of a Node. Zero durations and limits fall back
// to the defaults of the component they configure, except capacity where
// zero means unbounded.
type Config struct {
	MaxEvents          int
	MaxBytes           int64
	MaxPayload         int64
	DeadLetterCapacity int
	MaxAttempts        int
	VisibilityTimeout  time.Duration
	WriteTimeout       time.Duration

	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BatchMaxCount int
	BatchMaxBytes int64
	SendTimeout   time.Duration
	PollInterval  time.Duration

	// ProbeAddress enables a TCP reachability probe when set.
	ProbeAddress  string
	ProbeInterval time.Duration
	ProbeCacheTTL time.Duration
	ProbeTimeout  time.Duration

	HeartbeatTTL          time.Duration
	CheckInterval         time.Duration
	MaxRestarts           int
	StopTimeout           time.Duration
	StorageErrorThreshold int
	// ExitOnFatal makes Run return once a fatal health event is raised, so
	// that the process manager can restart the node.
	ExitOnFatal bool

	LeaseInterval       time.Duration
	CompactionInterval  time.Duration
	DeadLetterRetention time.Duration
	PurgeInterval       time.Duration
	ReportInterval      time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		DeadLetterCapacity:    defaultDeadLetterCapacity,
		MaxAttempts:           defaultMaxAttempts,
		VisibilityTimeout:     defaultVisibilityTimeout,
		WriteTimeout:          defaultWriteTimeout,
		BaseBackoff:           time.Second,
		MaxBackoff:            5 * time.Minute,
		BatchMaxCount:         defaultBatchMaxCount,
		BatchMaxBytes:         defaultBatchMaxBytes,
		SendTimeout:           defaultSendTimeout,
		PollInterval:          defaultPollInterval,
		ProbeInterval:         defaultProbeInterval,
		ProbeCacheTTL:         defaultProbeCacheTTL,
		ProbeTimeout:          defaultProbeTimeout,
		HeartbeatTTL:          defaultHeartbeatTTL,
		CheckInterval:         defaultCheckInterval,
		MaxRestarts:           defaultMaxRestarts,
		StopTimeout:           defaultStopTimeout,
		StorageErrorThreshold: defaultStorageErrorThreshold,
		LeaseInterval:         defaultLeaseInterval,
		CompactionInterval:    defaultCompactionInterval,
		DeadLetterRetention:   defaultDeadLetterRetention,
		PurgeInterval:         defaultPurgeInterval,
		ReportInterval:        defaultReportInterval,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDuration := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.DeadLetterCapacity, d.DeadLetterCapacity)
	setInt(&c.MaxAttempts, d.MaxAttempts)
	setDuration(&c.VisibilityTimeout, d.VisibilityTimeout)
	setDuration(&c.WriteTimeout, d.WriteTimeout)
	setDuration(&c.BaseBackoff, d.BaseBackoff)
	setDuration(&c.MaxBackoff, d.MaxBackoff)
	setInt(&c.BatchMaxCount, d.BatchMaxCount)
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = d.BatchMaxBytes
	}
	setDuration(&c.SendTimeout, d.SendTimeout)
	setDuration(&c.PollInterval, d.PollInterval)
	setDuration(&c.ProbeInterval, d.ProbeInterval)
	setDuration(&c.ProbeCacheTTL, d.ProbeCacheTTL)
	setDuration(&c.ProbeTimeout, d.ProbeTimeout)
	setDuration(&c.HeartbeatTTL, d.HeartbeatTTL)
	setDuration(&c.CheckInterval, d.CheckInterval)
	setInt(&c.MaxRestarts, d.MaxRestarts)
	setDuration(&c.StopTimeout, d.StopTimeout)
	setInt(&c.StorageErrorThreshold, d.StorageErrorThreshold)
	setDuration(&c.LeaseInterval, d.LeaseInterval)
	setDuration(&c.CompactionInterval, d.CompactionInterval)
	setDuration(&c.DeadLetterRetention, d.DeadLetterRetention)
	setDuration(&c.PurgeInterval, d.PurgeInterval)
	setDuration(&c.ReportInterval, d.ReportInterval)
	return c
}

type sourceSpec struct {
	name     string
	source   Source
	interval time.Duration
}

// Node owns every component of one edge pipeline: the queue over its store,
// the publisher draining it into the sink, the producer, and the supervisor
// keeping the workers alive. It is built once at startup and passed to
// whatever needs it.
type Node struct {
	cfg     Config
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock

	queue      *Queue
	sink       Sink
	probe      Probe
	publisher  *Publisher
	producer   *Producer
	supervisor *Supervisor
	reporter   *HealthReporter

	sinkFactory SinkFactory
	sources     []sourceSpec
	onEscalate  EscalationHandler
	fatal       chan HealthEvent
}

// NewNode opens the queue over store and wires the pipeline. The node owns
// store and sink and closes both on Close. sink may be nil when a factory is
// set with WithSinkFactory.
func NewNode(ctx context.Context, store storage.Store, sink Sink, cfg Config, opts ...NodeOption) (*Node, error) {
	n := &Node{
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
		clock:   clockwork.NewRealClock(),
		sink:    sink,
		fatal:   make(chan HealthEvent, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	cfg = n.cfg

	queue, err := Open(ctx, store,
		WithQueueLogger(n.logger.Named("queue")),
		WithQueueMetrics(n.metrics),
		WithClock(n.clock),
		WithCapacity(cfg.MaxEvents, cfg.MaxBytes),
		WithMaxPayload(cfg.MaxPayload),
		WithDeadLetterCapacity(cfg.DeadLetterCapacity),
		WithMaxAttempts(cfg.MaxAttempts),
		WithVisibilityTimeout(cfg.VisibilityTimeout),
		WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open queue: %w", err), store.Close())
	}
	n.queue = queue

	if n.sink == nil && n.sinkFactory != nil {
		n.sink, err = n.sinkFactory(queue.InstanceID())
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to create sink: %w", err), queue.Close())
		}
	}
	if n.sink == nil {
		return nil, multierr.Append(ErrNoSink, queue.Close())
	}

	if n.probe == nil && cfg.ProbeAddress != "" {
		n.probe = NewTCPProbe(cfg.ProbeAddress,
			WithProbeTimeout(cfg.ProbeTimeout),
			WithProbeCacheTTL(cfg.ProbeCacheTTL),
			WithProbeClock(n.clock),
			WithProbeLogger(n.logger.Named("probe")),
		)
	}

	pubOpts := []PublisherOption{
		WithPublisherLogger(n.logger.Named("publisher")),
		WithPublisherMetrics(n.metrics),
		WithPublisherClock(n.clock),
		WithBatchLimits(cfg.BatchMaxCount, cfg.BatchMaxBytes),
		WithSendTimeout(cfg.SendTimeout),
		WithPollInterval(cfg.PollInterval),
		WithBackoffStrategy(NewExponentialBackoff(cfg.BaseBackoff, cfg.MaxBackoff)),
	}
	if n.probe != nil {
		pubOpts = append(pubOpts, WithProbe(n.probe, cfg.ProbeInterval))
	}
	n.publisher = NewPublisher(queue, n.sink, pubOpts...)

	n.producer = NewProducer(queue,
		WithProducerLogger(n.logger.Named("producer")),
		WithProducerMetrics(n.metrics),
	)

	n.supervisor = NewSupervisor(
		WithSupervisorLogger(n.logger.Named("supervisor")),
		WithSupervisorMetrics(n.metrics),
		WithSupervisorClock(n.clock),
		WithHeartbeatTTL(cfg.HeartbeatTTL),
		WithCheckInterval(cfg.CheckInterval),
		WithMaxRestarts(cfg.MaxRestarts),
		WithStopTimeout(cfg.StopTimeout),
		WithEscalationHandler(n.escalate),
		WithStorageWatch(queue, cfg.StorageErrorThreshold),
	)
	n.reporter = NewHealthReporter(queue, n.publisher, n.supervisor, n.logger.Named("health"), n.metrics)

	if err := n.registerWorkers(); err != nil {
		return nil, multierr.Append(err, queue.Close())
	}

	n.logger.Info("Node ready",
		zap.String("instance_id", queue.InstanceID()),
		zap.Int("sources", len(n.sources)),
		zap.Bool("probe", n.probe != nil),
	)
	return n, nil
}

func (n *Node) registerWorkers() error {
	cfg := n.cfg
	logger := n.logger.Named("worker")

	lease := NewLeaseService(n.queue, n.logger.Named("lease"), n.metrics)
	compaction := NewCompactionService(n.queue, n.logger.Named("compaction"), n.metrics)
	deadLetters := NewDeadLetterService(n.queue, n.logger.Named("deadletter"), n.metrics, cfg.DeadLetterRetention)

	workers := []struct {
		name string
		run  RunFunc
	}{
		{"publisher", n.publisher.Run},
		{"lease", NewBaseWorker("lease", cfg.LeaseInterval, n.clock, logger, lease.ReclaimExpired).Run},
		{"compaction", NewBaseWorker("compaction", cfg.CompactionInterval, n.clock, logger, compaction.Compact).Run},
		{"deadletter", NewBaseWorker("deadletter", cfg.PurgeInterval, n.clock, logger, deadLetters.Purge).Run},
		{"health", NewBaseWorker("health", cfg.ReportInterval, n.clock, logger, n.reporter.Report).Run},
	}
	for _, src := range n.sources {
		loop := NewSamplingLoop(src.source, n.producer, src.interval,
			WithSamplingClock(n.clock),
			WithSamplingLogger(n.logger.Named("sampler").With(zap.String("source", src.name))),
		)
		workers = append(workers, struct {
			name string
			run  RunFunc
		}{"sampler." + src.name, loop.Run})
	}

	for _, w := range workers {
		if err := n.supervisor.Add(w.name, w.run); err != nil {
			return fmt.Errorf("failed to register worker: %w", err)
		}
	}
	return nil
}

func (n *Node) escalate(ev HealthEvent) {
	if n.onEscalate != nil {
		n.onEscalate(ev)
	}
	if !ev.Fatal {
		return
	}
	select {
	case n.fatal <- ev:
	default:
	}
}

// Run supervises the workers until ctx is done. With ExitOnFatal set it
// also returns, wrapping ErrFatalHealthEvent, after the first fatal
// escalation.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.supervisor.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-n.fatal:
				if !n.cfg.ExitOnFatal {
					continue
				}
				n.logger.Error("Stopping node after fatal health event", zap.Stringer("kind", ev.Kind))
				return fmt.Errorf("%w: %s: %w", ErrFatalHealthEvent, ev.Kind, ev.Err)
			}
		}
	})

	return g.Wait()
}

// Producer returns the entry point for emitting events.
func (n *Node) Producer() *Producer {
	return n.producer
}

// Queue returns the durable queue.
func (n *Node) Queue() *Queue {
	return n.queue
}

// Publisher returns the publisher draining the queue.
func (n *Node) Publisher() *Publisher {
	return n.publisher
}

// Supervisor returns the supervisor of the node's workers.
func (n *Node) Supervisor() *Supervisor {
	return n.supervisor
}

// Health returns the current health record.
func (n *Node) Health() Health {
	return n.reporter.Health()
}

// Close releases the sink and the queue. Run must have returned.
func (n *Node) Close() error {
	var err error
	if n.sink != nil {
		err = multierr.Append(err, n.sink.Close())
	}
	return multierr.Append(err, n.queue.Close())
}
