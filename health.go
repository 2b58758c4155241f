package edgebox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Health is the structured record exposed to operators and monitoring.
type Health struct {
	QueueDepth       int           `json:"queue_depth"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
	DroppedCount     uint64        `json:"dropped_count"`
	FailedCount      uint64        `json:"failed_count"`
	LastError        string        `json:"last_error,omitempty"`

	InFlight       int            `json:"in_flight"`
	DeadLetters    int            `json:"dead_letters"`
	Bytes          int64          `json:"bytes"`
	DeliveredCount uint64         `json:"delivered_count"`
	StorageErrors  int            `json:"storage_errors"`
	Publisher      string         `json:"publisher,omitempty"`
	FailureStreak  int            `json:"failure_streak"`
	Workers        []WorkerStatus `json:"workers,omitempty"`
	// Healthy is false once any worker or the storage has been escalated.
	Healthy bool `json:"healthy"`
}

// HealthReporter builds Health records and pushes them as gauges.
type HealthReporter struct {
	queue      *Queue
	publisher  *Publisher
	supervisor *Supervisor
	logger     *zap.Logger
	metrics    MetricsCollector

	storageErrorThreshold int
}

// NewHealthReporter creates a reporter for queue. publisher and supervisor
// are optional.
func NewHealthReporter(queue *Queue, publisher *Publisher, supervisor *Supervisor, logger *zap.Logger, metrics MetricsCollector) *HealthReporter {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &HealthReporter{
		queue:                 queue,
		publisher:             publisher,
		supervisor:            supervisor,
		logger:                logger,
		metrics:               metrics,
		storageErrorThreshold: defaultStorageErrorThreshold,
	}
	if supervisor != nil {
		r.storageErrorThreshold = supervisor.storageErrorThreshold
	}
	return r
}

// Health returns the current health record.
func (r *HealthReporter) Health() Health {
	stats := r.queue.Stats()
	h := Health{
		QueueDepth:       stats.Depth,
		OldestPendingAge: stats.OldestAge,
		DroppedCount:     stats.DroppedCount,
		FailedCount:      stats.FailedCount,
		LastError:        stats.LastError,
		InFlight:         stats.InFlight,
		DeadLetters:      stats.DeadLetters,
		Bytes:            stats.Bytes,
		DeliveredCount:   stats.DeliveredCount,
		StorageErrors:    stats.StorageErrors,
		Healthy:          r.storageErrorThreshold <= 0 || stats.StorageErrors < r.storageErrorThreshold,
	}
	if r.publisher != nil {
		h.Publisher = r.publisher.State().String()
		h.FailureStreak = r.publisher.FailureStreak()
	}
	if r.supervisor != nil {
		h.Workers = r.supervisor.Workers()
		for _, w := range h.Workers {
			if w.Escalated {
				h.Healthy = false
			}
		}
	}
	return h
}

// Report is the work function of the health worker.
func (r *HealthReporter) Report(_ context.Context) error {
	h := r.Health()

	r.metrics.RecordGauge("queue.depth", float64(h.QueueDepth), nil)
	r.metrics.RecordGauge("queue.in_flight", float64(h.InFlight), nil)
	r.metrics.RecordGauge("queue.dead_letters", float64(h.DeadLetters), nil)
	r.metrics.RecordGauge("queue.bytes", float64(h.Bytes), nil)
	r.metrics.RecordGauge("queue.oldest_age_seconds", h.OldestPendingAge.Seconds(), nil)
	r.metrics.RecordGauge("queue.dropped_count", float64(h.DroppedCount), nil)
	r.metrics.RecordGauge("queue.failed_count", float64(h.FailedCount), nil)
	r.metrics.RecordGauge("publisher.failure_streak", float64(h.FailureStreak), nil)

	fields := []zap.Field{
		zap.Int("queue_depth", h.QueueDepth),
		zap.Duration("oldest_pending_age", h.OldestPendingAge),
		zap.Uint64("dropped_count", h.DroppedCount),
		zap.Uint64("failed_count", h.FailedCount),
		zap.Int("dead_letters", h.DeadLetters),
		zap.String("publisher", h.Publisher),
		zap.Bool("healthy", h.Healthy),
	}
	if h.LastError != "" {
		fields = append(fields, zap.String("last_error", h.LastError))
	}
	if h.Healthy {
		r.logger.Info("Health snapshot", fields...)
	} else {
		r.logger.Warn("Health snapshot", fields...)
	}
	return nil
}
