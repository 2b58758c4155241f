package edgebox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/overtonx/edgebox/storage"
)

// Queue is a crash-safe ordered store of events.
//
// Every successful Enqueue is durable before it returns. A lease and the
// attempt it counts are written before DequeueBatch returns, so a crash
// reverts InFlight events to Pending without forgetting the attempt.
//
// The queue is the only component that touches its store. Producers append
// through Enqueue; the publisher moves events through DequeueBatch, Ack and
// Nack.
type Queue struct {
	store   storage.Store
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock

	maxEvents         int
	maxBytes          int64
	maxPayload        int64
	deadLetterCap     int
	maxAttempts       int
	visibilityTimeout time.Duration
	writeTimeout      time.Duration

	// writer serialises appends so that ids reach the store in ascending order.
	writer *semaphore.Weighted

	mu         sync.Mutex
	instanceID string
	highWater  int64
	entries    map[int64]*queueEntry
	order      []int64
	bytes      int64
	inFlight   int
	failed     int
	changed    chan struct{}
	closed     bool

	dropped       uint64
	failedTotal   uint64
	delivered     uint64
	storageErrors int
	lastError     string
}

type queueEntry struct {
	event      Event
	leaseUntil time.Time
	// evicting is set while an append that evicts this entry is being written.
	evicting bool
}

// Open replays store and returns a queue over it. The queue takes ownership
// of store and closes it on Close.
func Open(ctx context.Context, store storage.Store, opts ...QueueOption) (*Queue, error) {
	q := &Queue{
		store:             store,
		logger:            zap.NewNop(),
		metrics:           NewNopMetricsCollector(),
		clock:             clockwork.NewRealClock(),
		deadLetterCap:     defaultDeadLetterCapacity,
		maxAttempts:       defaultMaxAttempts,
		visibilityTimeout: defaultVisibilityTimeout,
		writeTimeout:      defaultWriteTimeout,
		writer:            semaphore.NewWeighted(1),
		entries:           make(map[int64]*queueEntry),
		changed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	q.instanceID = snap.InstanceID
	q.highWater = snap.HighWater

	var (
		stale       []int64
		interrupted []storage.Record
	)
	for _, rec := range snap.Records {
		ev := eventFromRecord(rec)
		switch ev.State {
		case StateDelivered:
			stale = append(stale, ev.ID)
			continue
		case StateInFlight:
			// The process died while the event was being delivered.
			if q.maxAttempts > 0 && ev.Attempts >= q.maxAttempts {
				ev.State = StateFailed
				ev.LastError = "interrupted during delivery"
				interrupted = append(interrupted, ev.record())
				q.failedTotal++
			} else {
				ev.State = StatePending
			}
		}
		q.insertLocked(ev)
		q.highWater = max(q.highWater, ev.ID)
	}

	if len(interrupted) > 0 {
		if err := store.Update(ctx, interrupted...); err != nil {
			return nil, &StorageError{Op: "recover", Err: err}
		}
		q.logger.Warn("Events out of attempts after an interrupted delivery moved to dead letters",
			zap.Int("count", len(interrupted)),
		)
	}

	// A crash between an append and the eviction it implied cannot happen
	// with a single-write store, but capacity may have been lowered since the
	// last run.
	var victims []int64
	for !q.fitsLocked(0) {
		id, ok := q.nextVictimLocked()
		if !ok {
			break
		}
		q.removeLocked(id)
		victims = append(victims, id)
		q.dropped++
	}
	if excess := q.failed - q.deadLetterCap; q.deadLetterCap > 0 && excess > 0 {
		for _, id := range q.oldestFailedLocked(excess) {
			q.removeLocked(id)
			victims = append(victims, id)
			q.dropped++
		}
	}

	if ids := append(stale, victims...); len(ids) > 0 {
		if err := store.Delete(ctx, ids...); err != nil {
			return nil, &StorageError{Op: "recover", Err: err}
		}
	}

	q.logger.Info("Queue recovered",
		zap.String("instance_id", q.instanceID),
		zap.Int64("high_water", q.highWater),
		zap.Int("pending", len(q.order)-q.failed),
		zap.Int("failed", q.failed),
		zap.Int("evicted", len(victims)),
	)

	return q, nil
}

// InstanceID identifies the durable queue instance. Event ids are unique
// within it.
func (q *Queue) InstanceID() string {
	return q.instanceID
}

// Capacity returns the configured event and byte limits. Zero means unbounded.
func (q *Queue) Capacity() (maxEvents int, maxBytes int64) {
	return q.maxEvents, q.maxBytes
}

// Enqueue durably persists a new event and returns its id.
//
// When the queue is full the oldest events are evicted in the same durable
// write. Enqueue waits at most the configured write timeout; when it expires
// a *StorageError is returned although the write may still complete.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, headers map[string]string) (int64, error) {
	size := int64(len(payload))
	if (q.maxBytes > 0 && size > q.maxBytes) || (q.maxPayload > 0 && size > q.maxPayload) {
		return 0, ErrPayloadTooLarge
	}

	if q.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.writeTimeout)
		defer cancel()
	}

	if err := q.writer.Acquire(ctx, 1); err != nil {
		return 0, q.storageFailure("enqueue", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.writer.Release(1)
		return 0, ErrQueueClosed
	}

	q.highWater++
	ev := Event{
		ID:        q.highWater,
		Timestamp: q.clock.Now(),
		Payload:   payload,
		Headers:   headers,
		State:     StatePending,
	}
	victims := q.selectVictimsLocked(size)
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer q.writer.Release(1)

		err := q.store.Append(context.WithoutCancel(ctx), ev.record(), victims...)
		q.commitAppend(ev, victims, err)
		done <- err
	}()

	select {
	case err := <-done:
		if errors.Is(err, storage.ErrRecordTooLarge) {
			return 0, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
		}
		if err != nil {
			return 0, &StorageError{Op: "enqueue", Err: err}
		}
		q.metrics.IncrementCounter("queue.enqueued", nil)
		return ev.ID, nil
	case <-ctx.Done():
		return 0, q.storageFailure("enqueue", ctx.Err())
	}
}

func (q *Queue) commitAppend(ev Event, victims []int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		for _, id := range victims {
			if e, ok := q.entries[id]; ok {
				e.evicting = false
			}
		}
		// A record the store refuses by size says nothing about its health.
		if !errors.Is(err, storage.ErrRecordTooLarge) {
			q.recordStorageErrorLocked("enqueue", err)
		}
		return
	}

	dropped := 0
	for _, id := range victims {
		if _, ok := q.entries[id]; ok {
			q.removeLocked(id)
			dropped++
		}
	}
	q.dropped += uint64(dropped)
	q.storageErrors = 0
	q.insertLocked(ev)
	q.broadcastLocked()

	if dropped > 0 {
		q.logger.Warn("Queue full, dropped oldest events",
			zap.Int("count", dropped),
			zap.Uint64("dropped_total", q.dropped),
		)
		for range dropped {
			q.metrics.IncrementCounter("queue.dropped", map[string]string{"reason": "capacity"})
		}
	}
}

// DequeueBatch leases up to maxCount events or maxBytes of payload, whichever
// limit is hit first, in ascending id order. The first event is always
// returned even if it alone exceeds maxBytes.
//
// It blocks until the event at the head of the queue is Pending or ctx is
// done. Failed events are skipped. An InFlight head blocks the batch so that
// events are never delivered out of order, even across publisher restarts.
// Each returned event has its Attempts incremented, and the lease is durable
// before the batch is returned.
func (q *Queue) DequeueBatch(ctx context.Context, maxCount int, maxBytes int64) ([]Event, error) {
	if maxCount <= 0 {
		maxCount = 1
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		now := q.clock.Now()
		_, expired := q.reclaimLocked(now)

		batch := q.leaseHeadLocked(now, maxCount, maxBytes)
		if len(batch) > 0 {
			q.mu.Unlock()
			q.persistFailures(ctx, expired)
			if err := q.persistLease(ctx, batch); err != nil {
				return nil, err
			}
			return batch, nil
		}

		changed := q.changed
		nextExpiry := q.nextExpiryLocked()
		q.mu.Unlock()

		q.persistFailures(ctx, expired)

		var timeout <-chan time.Time
		var timer clockwork.Timer
		if !nextExpiry.IsZero() {
			timer = q.clock.NewTimer(nextExpiry.Sub(now))
			timeout = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *Queue) leaseHeadLocked(now time.Time, maxCount int, maxBytes int64) []Event {
	var (
		batch []Event
		bytes int64
	)
	for _, id := range q.order {
		e := q.entries[id]
		if e.event.State == StateFailed || e.evicting {
			continue
		}
		if e.event.State != StatePending {
			break
		}
		size := int64(e.event.Size())
		if len(batch) > 0 && maxBytes > 0 && bytes+size > maxBytes {
			break
		}

		e.event.State = StateInFlight
		e.event.Attempts++
		e.leaseUntil = now.Add(q.visibilityTimeout)
		q.inFlight++

		batch = append(batch, e.event.clone())
		bytes += size
		if len(batch) >= maxCount {
			break
		}
	}
	return batch
}

// persistLease writes the state and attempts of a freshly leased batch. When
// the write fails the lease is undone and the events are Pending again.
func (q *Queue) persistLease(ctx context.Context, batch []Event) error {
	recs := make([]storage.Record, len(batch))
	for i, ev := range batch {
		recs[i] = ev.record()
	}
	err := q.store.Update(ctx, recs...)
	if err == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ev := range batch {
		e, ok := q.entries[ev.ID]
		if !ok || e.event.State != StateInFlight || e.event.Attempts != ev.Attempts {
			continue
		}
		q.inFlight--
		e.leaseUntil = time.Time{}
		e.event.State = StatePending
		e.event.Attempts--
	}
	q.broadcastLocked()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	q.recordStorageErrorLocked("lease", err)
	return &StorageError{Op: "lease", Err: err}
}

// Ack marks the event delivered and deletes it. Acking an unknown id is a no-op.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	q.mu.Lock()
	_, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil
	}

	if err := q.store.Delete(ctx, id); err != nil {
		q.mu.Lock()
		q.recordStorageErrorLocked("ack", err)
		q.mu.Unlock()
		return &StorageError{Op: "ack", Err: err}
	}

	q.mu.Lock()
	if e, ok := q.entries[id]; ok {
		// A lease that expired on its last attempt was counted as failed,
		// but the send it covered went through.
		if e.event.State == StateFailed && q.failedTotal > 0 {
			q.failedTotal--
		}
		q.removeLocked(id)
		q.delivered++
		q.broadcastLocked()
	}
	q.storageErrors = 0
	q.mu.Unlock()

	q.metrics.IncrementCounter("queue.delivered", nil)
	return nil
}

// Nack ends the lease of an InFlight event. The event returns to Pending
// unless permanent is set or it has used up its attempts, in which case it
// moves to the dead-letter area. Unknown or not InFlight ids are ignored.
func (q *Queue) Nack(ctx context.Context, id int64, permanent bool, cause error) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.event.State != StateInFlight {
		q.mu.Unlock()
		return nil
	}

	q.inFlight--
	e.leaseUntil = time.Time{}
	if cause != nil {
		e.event.LastError = cause.Error()
	}

	var overflow []int64
	if permanent || (q.maxAttempts > 0 && e.event.Attempts >= q.maxAttempts) {
		overflow = q.failLocked(e)
	} else {
		e.event.State = StatePending
		q.broadcastLocked()
	}
	rec := e.event.record()
	q.mu.Unlock()

	err := q.store.Update(ctx, rec)
	if len(overflow) > 0 {
		err = multierr.Append(err, q.store.Delete(ctx, overflow...))
	}
	if err != nil {
		q.mu.Lock()
		q.recordStorageErrorLocked("nack", err)
		q.mu.Unlock()
		return &StorageError{Op: "nack", Err: err}
	}
	return nil
}

// Release returns an InFlight event to Pending without counting the attempt.
// It is used when a send failed because of another event in the batch.
func (q *Queue) Release(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.event.State != StateInFlight {
		return
	}
	q.inFlight--
	e.leaseUntil = time.Time{}
	e.event.State = StatePending
	if e.event.Attempts > 0 {
		e.event.Attempts--
	}
	q.broadcastLocked()
}

// failLocked moves e to Failed and returns the dead-letter entries that no
// longer fit. They are already removed from memory.
func (q *Queue) failLocked(e *queueEntry) []int64 {
	e.event.State = StateFailed
	q.failed++
	q.failedTotal++
	q.metrics.IncrementCounter("queue.failed", nil)
	q.logger.Warn("Event moved to dead letters",
		zap.Int64("event_id", e.event.ID),
		zap.Int("attempts", e.event.Attempts),
		zap.String("last_error", e.event.LastError),
	)

	if q.deadLetterCap <= 0 || q.failed <= q.deadLetterCap {
		return nil
	}
	overflow := q.oldestFailedLocked(q.failed - q.deadLetterCap)
	for _, id := range overflow {
		q.removeLocked(id)
		q.dropped++
		q.metrics.IncrementCounter("queue.dropped", map[string]string{"reason": "dead_letter_full"})
	}
	return overflow
}

// ReclaimExpired returns InFlight events whose lease has expired to Pending.
// Events that have used up their attempts move to the dead-letter area.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	n, failed := q.reclaimLocked(q.clock.Now())
	q.mu.Unlock()

	return n + len(failed.records), q.persistFailures(ctx, failed)
}

type expiredFailures struct {
	records  []storage.Record
	overflow []int64
}

func (q *Queue) reclaimLocked(now time.Time) (int, expiredFailures) {
	var (
		reverted int
		failed   expiredFailures
	)
	if q.inFlight == 0 {
		return 0, failed
	}

	var expired []*queueEntry
	for _, id := range q.order {
		e := q.entries[id]
		if e.event.State == StateInFlight && !now.Before(e.leaseUntil) {
			expired = append(expired, e)
		}
	}

	for _, e := range expired {
		q.inFlight--
		e.leaseUntil = time.Time{}
		e.event.LastError = "lease expired"

		if q.maxAttempts > 0 && e.event.Attempts >= q.maxAttempts {
			failed.overflow = append(failed.overflow, q.failLocked(e)...)
			failed.records = append(failed.records, e.event.record())
			continue
		}
		e.event.State = StatePending
		reverted++
	}

	if reverted > 0 {
		q.logger.Info("Reclaimed expired leases", zap.Int("count", reverted))
		q.broadcastLocked()
	}
	return reverted, failed
}

func (q *Queue) persistFailures(ctx context.Context, f expiredFailures) error {
	var err error
	if len(f.records) > 0 {
		err = q.store.Update(ctx, f.records...)
	}
	if len(f.overflow) > 0 {
		err = multierr.Append(err, q.store.Delete(ctx, f.overflow...))
	}
	if err != nil {
		q.mu.Lock()
		q.recordStorageErrorLocked("reclaim", err)
		q.mu.Unlock()
		return &StorageError{Op: "reclaim", Err: err}
	}
	return nil
}

// DeadLetters returns up to limit Failed events in ascending id order. A
// limit of zero returns all of them.
func (q *Queue) DeadLetters(limit int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Event
	for _, id := range q.order {
		e := q.entries[id]
		if e.event.State != StateFailed {
			continue
		}
		out = append(out, e.event.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Requeue moves a Failed event back to Pending with its attempts reset.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.event.State != StateFailed {
		q.mu.Unlock()
		return fmt.Errorf("failed to requeue event %d: %w", id, ErrEventNotFound)
	}

	prev := e.event
	e.event.State = StatePending
	e.event.Attempts = 0
	e.event.LastError = ""
	q.failed--
	rec := e.event.record()
	q.mu.Unlock()

	if err := q.store.Update(ctx, rec); err != nil {
		q.mu.Lock()
		if cur, ok := q.entries[id]; ok && cur.event.State == StatePending {
			cur.event = prev
			q.failed++
		}
		q.recordStorageErrorLocked("requeue", err)
		q.mu.Unlock()
		return &StorageError{Op: "requeue", Err: err}
	}

	q.mu.Lock()
	q.broadcastLocked()
	q.mu.Unlock()

	q.logger.Info("Dead letter requeued", zap.Int64("event_id", id))
	return nil
}

// PurgeDeadLetters deletes Failed events created more than olderThan ago.
func (q *Queue) PurgeDeadLetters(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.clock.Now().Add(-olderThan)

	q.mu.Lock()
	var ids []int64
	for _, id := range q.order {
		e := q.entries[id]
		if e.event.State == StateFailed && e.event.Timestamp.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}

	if err := q.store.Delete(ctx, ids...); err != nil {
		q.mu.Lock()
		q.recordStorageErrorLocked("purge", err)
		q.mu.Unlock()
		return 0, &StorageError{Op: "purge", Err: err}
	}

	q.mu.Lock()
	purged := 0
	for _, id := range ids {
		if e, ok := q.entries[id]; ok && e.event.State == StateFailed {
			q.removeLocked(id)
			purged++
		}
	}
	q.mu.Unlock()

	return purged, nil
}

// Compact asks the store to reclaim space held by deleted records.
func (q *Queue) Compact(ctx context.Context) (storage.CompactResult, error) {
	res, err := q.store.Compact(ctx)
	if err != nil {
		q.mu.Lock()
		q.recordStorageErrorLocked("compact", err)
		q.mu.Unlock()
		return res, &StorageError{Op: "compact", Err: err}
	}
	return res, nil
}

// Stats returns an observability snapshot from in-memory state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Depth:          len(q.order) - q.failed,
		InFlight:       q.inFlight,
		DeadLetters:    q.failed,
		Bytes:          q.bytes,
		DroppedCount:   q.dropped,
		FailedCount:    q.failedTotal,
		DeliveredCount: q.delivered,
		StorageErrors:  q.storageErrors,
		LastError:      q.lastError,
	}
	for _, id := range q.order {
		e := q.entries[id]
		if e.event.State != StateFailed {
			s.OldestAge = max(q.clock.Since(e.event.Timestamp), 0)
			break
		}
	}
	return s
}

// Close wakes blocked dequeuers, waits for a pending append and closes the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.broadcastLocked()
	q.mu.Unlock()

	if err := q.writer.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer q.writer.Release(1)

	if err := q.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (q *Queue) storageFailure(op string, err error) error {
	q.mu.Lock()
	q.recordStorageErrorLocked(op, err)
	q.mu.Unlock()
	return &StorageError{Op: op, Err: err}
}

func (q *Queue) recordStorageErrorLocked(op string, err error) {
	q.storageErrors++
	q.lastError = fmt.Sprintf("%s: %v", op, err)
	q.metrics.IncrementCounter("queue.storage_error", map[string]string{"op": op})

	level := q.logger.Error
	if errors.Is(err, context.DeadlineExceeded) {
		level = q.logger.Warn
	}
	level("Queue storage operation failed",
		zap.String("op", op),
		zap.Int("consecutive", q.storageErrors),
		zap.Error(err),
	)
}

// selectVictimsLocked marks the entries that must go for an event of size
// bytes to fit. Oldest Pending go first, then oldest Failed, then oldest
// InFlight.
func (q *Queue) selectVictimsLocked(size int64) []int64 {
	var (
		victims []int64
		count   = len(q.order)
		bytes   = q.bytes
	)
	for _, id := range q.order {
		if e := q.entries[id]; e.evicting {
			count--
			bytes -= int64(e.event.Size())
		}
	}

	fits := func() bool {
		return (q.maxEvents <= 0 || count+1 <= q.maxEvents) &&
			(q.maxBytes <= 0 || bytes+size <= q.maxBytes)
	}

	for _, state := range []EventState{StatePending, StateFailed, StateInFlight} {
		for _, id := range q.order {
			if fits() {
				return victims
			}
			e := q.entries[id]
			if e.evicting || e.event.State != state {
				continue
			}
			e.evicting = true
			victims = append(victims, id)
			count--
			bytes -= int64(e.event.Size())
		}
	}
	return victims
}

func (q *Queue) fitsLocked(size int64) bool {
	return (q.maxEvents <= 0 || len(q.order) <= q.maxEvents) &&
		(q.maxBytes <= 0 || q.bytes+size <= q.maxBytes)
}

func (q *Queue) nextVictimLocked() (int64, bool) {
	for _, state := range []EventState{StatePending, StateFailed, StateInFlight} {
		for _, id := range q.order {
			if q.entries[id].event.State == state {
				return id, true
			}
		}
	}
	return 0, false
}

func (q *Queue) oldestFailedLocked(n int) []int64 {
	var ids []int64
	for _, id := range q.order {
		if len(ids) >= n {
			break
		}
		if q.entries[id].event.State == StateFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

func (q *Queue) nextExpiryLocked() time.Time {
	var next time.Time
	for _, id := range q.order {
		e := q.entries[id]
		if e.event.State != StateInFlight {
			continue
		}
		if next.IsZero() || e.leaseUntil.Before(next) {
			next = e.leaseUntil
		}
	}
	return next
}

func (q *Queue) insertLocked(ev Event) {
	q.entries[ev.ID] = &queueEntry{event: ev}
	if n := len(q.order); n == 0 || q.order[n-1] < ev.ID {
		q.order = append(q.order, ev.ID)
	} else {
		i := sort.Search(n, func(i int) bool { return q.order[i] >= ev.ID })
		q.order = slices.Insert(q.order, i, ev.ID)
	}
	q.bytes += int64(ev.Size())
	if ev.State == StateFailed {
		q.failed++
	}
}

func (q *Queue) removeLocked(id int64) {
	e, ok := q.entries[id]
	if !ok {
		return
	}
	delete(q.entries, id)
	if i, found := slices.BinarySearch(q.order, id); found {
		q.order = slices.Delete(q.order, i, i+1)
	}
	q.bytes -= int64(e.event.Size())
	switch e.event.State {
	case StateFailed:
		q.failed--
	case StateInFlight:
		q.inFlight--
	}
}

// broadcastLocked wakes every DequeueBatch waiting for a change.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
