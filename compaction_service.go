package edgebox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CompactionService periodically lets the store reclaim the space held by
// delivered and evicted records.
type CompactionService struct {
	queue   *Queue
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewCompactionService creates a new CompactionService.
func NewCompactionService(queue *Queue, logger *zap.Logger, metrics MetricsCollector) *CompactionService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompactionService{
		queue:   queue,
		logger:  logger,
		metrics: metrics,
	}
}

// Compact is the work function of the compaction worker. Failures are
// logged and counted by the queue; the worker keeps running.
func (s *CompactionService) Compact(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("compaction.duration", time.Since(start), nil)
	}()

	res, err := s.queue.Compact(ctx)
	if err != nil {
		s.logger.Error("Failed to compact store", zap.Error(err))
		s.metrics.IncrementCounter("compaction.failed", nil)
		return nil
	}
	if res.Skipped {
		return nil
	}

	s.logger.Info("Store compacted",
		zap.Int("live_records", res.LiveRecords),
		zap.Int64("reclaimed_bytes", res.ReclaimedBytes),
	)
	s.metrics.RecordGauge("compaction.reclaimed_bytes", float64(res.ReclaimedBytes), nil)
	s.metrics.IncrementCounter("compaction.executed", nil)
	return nil
}
