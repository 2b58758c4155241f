package edgebox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DeadLetterService removes dead letters older than the retention period.
type DeadLetterService struct {
	queue     *Queue
	logger    *zap.Logger
	metrics   MetricsCollector
	retention time.Duration
}

// NewDeadLetterService creates a new DeadLetterService.
func NewDeadLetterService(queue *Queue, logger *zap.Logger, metrics MetricsCollector, retention time.Duration) *DeadLetterService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterService{
		queue:     queue,
		logger:    logger,
		metrics:   metrics,
		retention: retention,
	}
}

// Purge is the work function of the dead-letter worker.
func (s *DeadLetterService) Purge(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("deadletter.purge.duration", time.Since(start), nil)
	}()

	n, err := s.queue.PurgeDeadLetters(ctx, s.retention)
	if err != nil {
		s.logger.Error("Failed to purge dead letters", zap.Error(err))
		s.metrics.IncrementCounter("deadletter.purge_failed", nil)
		return nil
	}
	if n > 0 {
		s.logger.Info("Purged dead letters", zap.Int("count", n), zap.Duration("retention", s.retention))
		s.metrics.RecordGauge("deadletter.purged", float64(n), nil)
	}
	return nil
}
