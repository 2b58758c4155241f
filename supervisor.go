package edgebox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthEventKind classifies an escalation.
type HealthEventKind int

const (
	// EventWorkerUnresponsive is raised when a worker missed its heartbeat
	// after every allowed restart.
	EventWorkerUnresponsive HealthEventKind = iota + 1
	// EventStorageFailing is raised when the queue keeps failing durable writes.
	EventStorageFailing
)

func (k HealthEventKind) String() string {
	switch k {
	case EventWorkerUnresponsive:
		return "worker_unresponsive"
	case EventStorageFailing:
		return "storage_failing"
	default:
		return "unknown"
	}
}

// HealthEvent is a fatal condition surfaced to the operator.
type HealthEvent struct {
	Kind     HealthEventKind
	Worker   string
	Attempts int
	Err      error
	Fatal    bool
	Time     time.Time
}

// EscalationHandler receives health events. It is called outside of any
// supervisor lock and must not block for long.
type EscalationHandler func(HealthEvent)

// WorkerStatus is a snapshot of one supervised worker.
type WorkerStatus struct {
	Name          string    `json:"name"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Restarts      int       `json:"restarts"`
	Escalated     bool      `json:"escalated"`
	Running       bool      `json:"running"`
}

// ErrWorkerExists is returned by Add for a name already in use.
var ErrWorkerExists = errors.New("worker already registered")

type supervisedWorker struct {
	name string
	run  RunFunc

	// generation tells the heartbeats of the current goroutine apart from a
	// replaced one that has not exited yet.
	generation    uint64
	cancel        context.CancelFunc
	done          chan struct{}
	running       bool
	startedAt     time.Time
	lastHeartbeat time.Time
	restarts      int
	nextRestart   time.Time
	escalated     bool
}

// Supervisor keeps a set of long-lived workers alive.
//
// Every worker reports liveness through its Heartbeat. CheckLiveness restarts
// workers whose last heartbeat is older than the TTL, or that returned,
// waiting an exponential backoff between restarts of the same worker. A
// worker that stays unhealthy after the maximum number of restarts is
// escalated once and left alone.
type Supervisor struct {
	logger                *zap.Logger
	metrics               MetricsCollector
	clock                 clockwork.Clock
	ttl                   time.Duration
	checkInterval         time.Duration
	maxAttempts           int
	backoff               BackoffStrategy
	stopTimeout           time.Duration
	onEscalate            EscalationHandler
	queue                 *Queue
	storageErrorThreshold int

	mu               sync.Mutex
	parent           context.Context
	workers          map[string]*supervisedWorker
	names            []string
	started          bool
	storageEscalated bool
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:                zap.NewNop(),
		metrics:               NewNopMetricsCollector(),
		clock:                 clockwork.NewRealClock(),
		ttl:                   defaultHeartbeatTTL,
		checkInterval:         defaultCheckInterval,
		maxAttempts:           defaultMaxRestarts,
		backoff:               DefaultBackoffStrategy(),
		stopTimeout:           defaultStopTimeout,
		storageErrorThreshold: defaultStorageErrorThreshold,
		workers:               make(map[string]*supervisedWorker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a worker. Workers added after Start are started immediately.
func (s *Supervisor) Add(name string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[name]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, name)
	}
	w := &supervisedWorker{name: name, run: run}
	s.workers[name] = w
	s.names = append(s.names, name)

	if s.started {
		s.startLocked(w)
	}
	return nil
}

// Start launches every registered worker under ctx and returns.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Warn("Supervisor already started")
		return
	}
	s.started = true
	s.parent = ctx

	s.logger.Info("Starting supervisor", zap.Int("worker_count", len(s.names)))
	for _, name := range s.names {
		s.startLocked(s.workers[name])
	}
}

// Run starts the workers, checks their liveness every check interval and
// stops them all when ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Start(ctx)

	ticker := s.clock.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Stop()
		case <-ticker.Chan():
			s.CheckLiveness(ctx)
		}
	}
}

// Stop cancels every worker and waits up to the stop timeout for them to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false

	var g errgroup.Group
	for _, name := range s.names {
		w := s.workers[name]
		if w.cancel == nil {
			continue
		}
		w.cancel()
		done := w.done
		g.Go(func() error {
			if !s.wait(done) {
				return fmt.Errorf("worker %q did not stop within %s", name, s.stopTimeout)
			}
			return nil
		})
	}
	s.mu.Unlock()

	err := g.Wait()
	if err != nil {
		s.logger.Warn("Supervisor stopped with workers still running", zap.Error(err))
	} else {
		s.logger.Info("All workers have been stopped")
	}
	return err
}

type restartPlan struct {
	worker *supervisedWorker
	cancel context.CancelFunc
	done   chan struct{}
}

// CheckLiveness restarts stale workers and raises escalations. It is called
// by Run on every check interval.
func (s *Supervisor) CheckLiveness(ctx context.Context) {
	now := s.clock.Now()

	var (
		plans       []restartPlan
		escalations []HealthEvent
	)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	for _, name := range s.names {
		w := s.workers[name]
		if w.escalated {
			continue
		}

		stale := !w.running || now.Sub(w.lastHeartbeat) > s.ttl
		if !stale {
			if w.restarts > 0 && now.Sub(w.startedAt) >= s.ttl {
				s.logger.Info("Worker recovered", zap.String("worker", name), zap.Int("restarts", w.restarts))
				w.restarts = 0
				w.nextRestart = time.Time{}
			}
			continue
		}

		if w.restarts >= s.maxAttempts {
			w.escalated = true
			if w.cancel != nil {
				w.cancel()
			}
			escalations = append(escalations, HealthEvent{
				Kind:     EventWorkerUnresponsive,
				Worker:   name,
				Attempts: w.restarts,
				Err:      &WorkerUnresponsiveError{Worker: name, Restarts: w.restarts},
				Fatal:    true,
				Time:     now,
			})
			continue
		}

		if now.Before(w.nextRestart) {
			continue
		}

		w.restarts++
		w.nextRestart = now.Add(s.backoff.Delay(w.restarts))
		plans = append(plans, restartPlan{worker: w, cancel: w.cancel, done: w.done})

		s.logger.Warn("Worker unresponsive, restarting",
			zap.String("worker", name),
			zap.Int("attempt", w.restarts),
			zap.Duration("heartbeat_age", now.Sub(w.lastHeartbeat)),
			zap.Bool("running", w.running),
		)
	}

	if ev, ok := s.checkStorageLocked(now); ok {
		escalations = append(escalations, ev)
	}
	s.mu.Unlock()

	for _, p := range plans {
		s.restart(ctx, p)
	}
	for _, ev := range escalations {
		s.escalate(ev)
	}
}

func (s *Supervisor) checkStorageLocked(now time.Time) (HealthEvent, bool) {
	if s.queue == nil || s.storageErrorThreshold <= 0 {
		return HealthEvent{}, false
	}

	stats := s.queue.Stats()
	if stats.StorageErrors < s.storageErrorThreshold {
		s.storageEscalated = false
		return HealthEvent{}, false
	}
	if s.storageEscalated {
		return HealthEvent{}, false
	}
	s.storageEscalated = true

	return HealthEvent{
		Kind:     EventStorageFailing,
		Attempts: stats.StorageErrors,
		Err:      &StorageError{Op: "queue", Err: errors.New(stats.LastError)},
		Fatal:    true,
		Time:     now,
	}, true
}

func (s *Supervisor) restart(ctx context.Context, p restartPlan) {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil && !s.wait(p.done) {
		s.logger.Warn("Worker did not stop in time, starting a replacement",
			zap.String("worker", p.worker.name),
			zap.Duration("stop_timeout", s.stopTimeout),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || p.worker.escalated || ctx.Err() != nil {
		return
	}
	s.startLocked(p.worker)
	s.metrics.IncrementCounter("supervisor.restarts", map[string]string{"worker": p.worker.name})
}

func (s *Supervisor) escalate(ev HealthEvent) {
	s.logger.Error("Escalating health event",
		zap.Stringer("kind", ev.Kind),
		zap.String("worker", ev.Worker),
		zap.Int("attempts", ev.Attempts),
		zap.Error(ev.Err),
	)
	s.metrics.IncrementCounter("supervisor.escalations", map[string]string{"kind": ev.Kind.String()})
	if s.onEscalate != nil {
		s.onEscalate(ev)
	}
}

// wait reports whether done closed within the stop timeout.
func (s *Supervisor) wait(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-s.clock.After(s.stopTimeout):
		return false
	}
}

func (s *Supervisor) startLocked(w *supervisedWorker) {
	ctx, cancel := context.WithCancel(s.parent)
	now := s.clock.Now()

	w.generation++
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.startedAt = now
	w.lastHeartbeat = now

	go s.runWorker(ctx, w, w.generation, w.done)
}

func (s *Supervisor) runWorker(ctx context.Context, w *supervisedWorker, gen uint64, done chan struct{}) {
	defer close(done)

	hb := func() {
		s.mu.Lock()
		if w.generation == gen {
			w.lastHeartbeat = s.clock.Now()
		}
		s.mu.Unlock()
	}

	err := invokeWorker(ctx, w.run, hb)

	s.mu.Lock()
	if w.generation == gen {
		w.running = false
	}
	s.mu.Unlock()

	if ctx.Err() == nil {
		s.logger.Warn("Worker exited unexpectedly", zap.String("worker", w.name), zap.Error(err))
	}
}

func invokeWorker(ctx context.Context, run RunFunc, hb Heartbeat) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return run(ctx, hb)
}

// Workers returns the status of every worker in registration order.
func (s *Supervisor) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.names))
	for _, name := range s.names {
		w := s.workers[name]
		out = append(out, WorkerStatus{
			Name:          name,
			LastHeartbeat: w.lastHeartbeat,
			Restarts:      w.restarts,
			Escalated:     w.escalated,
			Running:       w.running,
		})
	}
	return out
}
