package edgebox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LeaseService returns InFlight events whose lease expired to Pending.
// DequeueBatch reclaims lazily as well; the service keeps Stats accurate
// while the publisher is parked on an unreachable sink.
type LeaseService struct {
	queue   *Queue
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewLeaseService creates a new LeaseService.
func NewLeaseService(queue *Queue, logger *zap.Logger, metrics MetricsCollector) *LeaseService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseService{
		queue:   queue,
		logger:  logger,
		metrics: metrics,
	}
}

// ReclaimExpired is the work function of the lease worker.
func (s *LeaseService) ReclaimExpired(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("lease.reclaim.duration", time.Since(start), nil)
	}()

	n, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if n > 0 {
		s.logger.Debug("Lease sweep finished", zap.Int("count", n))
		s.metrics.RecordGauge("lease.reclaimed", float64(n), nil)
	}
	return nil
}
