package edgebox

import (
	"context"
	"time"
)

// Sink is the remote endpoint that accepts delivered events.
//
// Send returns the ids the sink acknowledged. Events the sink rejected are
// reported as *PermanentSendError values inside err (combined with
// go.uber.org/multierr when there are several). Any other error means the
// unacknowledged events should be retried.
type Sink interface {
	Send(ctx context.Context, batch []Event) ([]int64, error)
	Close() error
}

// Probe answers whether a send is worth attempting right now. It is advisory:
// a send may still fail after a positive answer.
type Probe interface {
	IsReachable(ctx context.Context) bool
}

// Source is the capture or inference collaborator sampled by a SamplingLoop.
type Source interface {
	Sample(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Sample(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Heartbeat is called by a supervised worker to report that it is alive.
type Heartbeat func()

// RunFunc is the body of a supervised worker. It must return when ctx is
// done and call hb at least once per heartbeat TTL.
type RunFunc func(ctx context.Context, hb Heartbeat) error

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

func noHeartbeat() {}
