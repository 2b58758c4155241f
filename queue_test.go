package edgebox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/edgebox/storage"
	"github.com/overtonx/edgebox/storage/filestore"
)

type testQueue struct {
	*Queue
	dir   string
	store *filestore.Store
}

func openTestQueue(t *testing.T, dir string, opts ...QueueOption) *testQueue {
	t.Helper()
	store, err := filestore.Open(dir)
	require.NoError(t, err)
	q, err := Open(context.Background(), store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return &testQueue{Queue: q, dir: dir, store: store}
}

// crash drops the queue without any shutdown work. Only the file handles
// are released so the directory can be opened again.
func (tq *testQueue) crash(t *testing.T) {
	t.Helper()
	require.NoError(t, tq.store.Close())
}

func enqueueAll(t *testing.T, q *Queue, payloads ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		id, err := q.Enqueue(context.Background(), []byte(p), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func payloads(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Payload)
	}
	return out
}

func dequeueNow(t *testing.T, q *Queue, maxCount int, maxBytes int64) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, err := q.DequeueBatch(ctx, maxCount, maxBytes)
	require.NoError(t, err)
	return batch
}

func TestQueue_Enqueue_AssignsAscendingIDs(t *testing.T) {
	q := openTestQueue(t, t.TempDir())

	ids := enqueueAll(t, q.Queue, "a", "b", "c")

	assert.Equal(t, []int64{1, 2, 3}, ids)
	stats := q.Stats()
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, int64(3), stats.Bytes)
	assert.NotEmpty(t, q.InstanceID())
}

func TestQueue_Enqueue_PayloadTooLarge(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithCapacity(0, 4))

	_, err := q.Enqueue(context.Background(), []byte("too large"), nil)

	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Zero(t, q.Stats().Depth)
}

func TestQueue_DequeueBatch_OrderAndLimits(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "aa", "bb", "cc", "dd")

	batch := dequeueNow(t, q.Queue, 10, 5)
	assert.Equal(t, []string{"aa", "bb"}, payloads(batch))
	for _, ev := range batch {
		assert.Equal(t, StateInFlight, ev.State)
		assert.Equal(t, 1, ev.Attempts)
	}

	// cc and dd wait behind the leased head.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.DequeueBatch(ctx, 10, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, q.Stats().InFlight)
}

func TestQueue_DequeueBatch_FirstEventExceedsBytes(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "large payload", "x")

	batch := dequeueNow(t, q.Queue, 10, 4)

	assert.Equal(t, []string{"large payload"}, payloads(batch))
}

func TestQueue_DequeueBatch_WaitsForEnqueue(t *testing.T) {
	q := openTestQueue(t, t.TempDir())

	result := make(chan []Event, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		batch, _ := q.DequeueBatch(ctx, 10, 0)
		result <- batch
	}()

	time.Sleep(20 * time.Millisecond)
	enqueueAll(t, q.Queue, "late")

	select {
	case batch := <-result:
		assert.Equal(t, []string{"late"}, payloads(batch))
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue was not woken by enqueue")
	}
}

func TestQueue_DequeueBatch_ContextDone(t *testing.T) {
	q := openTestQueue(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	batch, err := q.DequeueBatch(ctx, 10, 0)

	assert.Nil(t, batch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Release(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a", "b")

	first := dequeueNow(t, q.Queue, 1, 0)
	require.Len(t, first, 1)
	q.Release(first[0].ID)

	// a is Pending again, so the next batch starts with it.
	batch := dequeueNow(t, q.Queue, 10, 0)
	assert.Equal(t, []string{"a", "b"}, payloads(batch))
	assert.Equal(t, 1, batch[0].Attempts, "release does not count the attempt")
}

func TestQueue_LeaseExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir(), WithClock(clock), WithVisibilityTimeout(10*time.Second))
	enqueueAll(t, q.Queue, "a")

	first := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, first, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := q.DequeueBatch(ctx, 10, 0)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded, "the lease still protects the event")

	clock.Advance(11 * time.Second)

	again := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestQueue_ReclaimExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir(), WithClock(clock), WithVisibilityTimeout(time.Second), WithMaxAttempts(2))
	enqueueAll(t, q.Queue, "a", "b")
	dequeueNow(t, q.Queue, 10, 0)

	n, err := q.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Second)
	n, err = q.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, q.Stats().InFlight)

	// Second expiry uses up the attempts.
	dequeueNow(t, q.Queue, 10, 0)
	clock.Advance(2 * time.Second)
	_, err = q.ReclaimExpired(context.Background())
	require.NoError(t, err)

	dead := q.DeadLetters(0)
	require.Len(t, dead, 2)
	assert.Equal(t, "lease expired", dead[0].LastError)
}

func TestQueue_Ack_IsIdempotent(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a")
	batch := dequeueNow(t, q.Queue, 10, 0)

	require.NoError(t, q.Ack(context.Background(), batch[0].ID))
	require.NoError(t, q.Ack(context.Background(), batch[0].ID))
	require.NoError(t, q.Ack(context.Background(), 999))

	stats := q.Stats()
	assert.Zero(t, stats.Depth)
	assert.Equal(t, uint64(1), stats.DeliveredCount)
}

func TestQueue_Nack(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithMaxAttempts(2))
	enqueueAll(t, q.Queue, "a", "b")
	ctx := context.Background()

	batch := dequeueNow(t, q.Queue, 10, 0)
	require.NoError(t, q.Nack(ctx, batch[0].ID, false, errors.New("timeout")))
	require.NoError(t, q.Nack(ctx, batch[1].ID, true, errors.New("rejected")))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.DeadLetters)
	assert.Equal(t, uint64(1), stats.FailedCount)

	// The second transient failure reaches the attempt limit.
	batch = dequeueNow(t, q.Queue, 10, 0)
	require.Equal(t, []string{"a"}, payloads(batch))
	require.NoError(t, q.Nack(ctx, batch[0].ID, false, errors.New("timeout")))

	dead := q.DeadLetters(0)
	require.Len(t, dead, 2)
	assert.Equal(t, "timeout", dead[0].LastError)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "rejected", dead[1].LastError)

	// Nack of an unknown or settled id is ignored.
	assert.NoError(t, q.Nack(ctx, 999, false, nil))
	assert.NoError(t, q.Nack(ctx, dead[0].ID, false, nil))
}

func TestQueue_FailedEventsDoNotBlockTheHead(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "bad", "good")

	batch := dequeueNow(t, q.Queue, 1, 0)
	require.NoError(t, q.Nack(context.Background(), batch[0].ID, true, errors.New("malformed")))

	batch = dequeueNow(t, q.Queue, 10, 0)
	assert.Equal(t, []string{"good"}, payloads(batch))
}

func TestQueue_NackStatePersists(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	enqueueAll(t, q.Queue, "a", "b")
	batch := dequeueNow(t, q.Queue, 10, 0)
	require.NoError(t, q.Nack(context.Background(), batch[0].ID, false, errors.New("timeout")))
	require.NoError(t, q.Nack(context.Background(), batch[1].ID, true, errors.New("rejected")))
	q.crash(t)

	q = openTestQueue(t, dir)
	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.DeadLetters)

	next := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, next, 1)
	assert.Equal(t, 2, next[0].Attempts)
	assert.Equal(t, "timeout", next[0].LastError)
}

func TestQueue_DeadLetterCapacity(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithDeadLetterCapacity(2))
	enqueueAll(t, q.Queue, "a", "b", "c")
	ctx := context.Background()

	for range 3 {
		batch := dequeueNow(t, q.Queue, 1, 0)
		require.NoError(t, q.Nack(ctx, batch[0].ID, true, errors.New("rejected")))
	}

	assert.Equal(t, []string{"b", "c"}, payloads(q.DeadLetters(0)))
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.DroppedCount)
	assert.Equal(t, uint64(3), stats.FailedCount)
}

func TestQueue_Requeue(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a")
	ctx := context.Background()
	batch := dequeueNow(t, q.Queue, 1, 0)
	require.NoError(t, q.Nack(ctx, batch[0].ID, true, errors.New("rejected")))

	require.NoError(t, q.Requeue(ctx, batch[0].ID))

	assert.Empty(t, q.DeadLetters(0))
	again := dequeueNow(t, q.Queue, 1, 0)
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].Attempts)
	assert.Empty(t, again[0].LastError)

	err := q.Requeue(ctx, again[0].ID)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestQueue_PurgeDeadLetters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir(), WithClock(clock))
	ctx := context.Background()
	enqueueAll(t, q.Queue, "old")
	clock.Advance(time.Hour)
	enqueueAll(t, q.Queue, "new")

	batch := dequeueNow(t, q.Queue, 10, 0)
	for _, ev := range batch {
		require.NoError(t, q.Nack(ctx, ev.ID, true, errors.New("rejected")))
	}

	n, err := q.PurgeDeadLetters(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"new"}, payloads(q.DeadLetters(0)))
}

func TestQueue_Stats_OldestAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir(), WithClock(clock))
	enqueueAll(t, q.Queue, "a")
	clock.Advance(90 * time.Second)
	enqueueAll(t, q.Queue, "b")

	assert.Equal(t, 90*time.Second, q.Stats().OldestAge)
}

func TestQueue_Compact(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a", "b")
	batch := dequeueNow(t, q.Queue, 10, 0)
	require.NoError(t, q.Ack(context.Background(), batch[0].ID))

	_, err := q.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Stats().Depth)
}

func TestQueue_Close(t *testing.T) {
	q := openTestQueue(t, t.TempDir())

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), []byte("a"), nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.DequeueBatch(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_Open_RecoversInFlightAsPending(t *testing.T) {
	store := new(storage.MockStore)
	ts := time.Unix(1700000000, 0)
	store.On("Load", mock.Anything).Return(storage.Snapshot{
		InstanceID: "node-1",
		HighWater:  5,
		Records: []storage.Record{
			{ID: 2, Timestamp: ts, Payload: []byte("delivered"), Status: storage.StatusDelivered},
			{ID: 3, Timestamp: ts, Payload: []byte("leased"), Status: storage.StatusInFlight, Attempts: 1},
			{ID: 4, Timestamp: ts, Payload: []byte("dead"), Status: storage.StatusFailed, Attempts: 3},
		},
	}, nil).Once()
	store.On("Delete", mock.Anything, []int64{2}).Return(nil).Once()
	store.On("Update", mock.Anything, mock.MatchedBy(func(recs []storage.Record) bool {
		return len(recs) == 1 && recs[0].ID == 3 && recs[0].Attempts == 2 && recs[0].Status == storage.StatusInFlight
	})).Return(nil).Once()
	store.On("Append", mock.Anything, mock.MatchedBy(func(r storage.Record) bool { return r.ID == 6 }), []int64(nil)).Return(nil).Once()
	store.On("Close").Return(nil).Once()

	q, err := Open(context.Background(), store)
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, "node-1", q.InstanceID())
	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.DeadLetters)
	assert.Zero(t, stats.InFlight)

	batch := dequeueNow(t, q, 10, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(3), batch[0].ID)
	assert.Equal(t, 2, batch[0].Attempts)

	id, err := q.Enqueue(context.Background(), []byte("next"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), id, "ids continue after the high-water mark")

	store.AssertExpectations(t)
}

func TestQueue_Open_LoadFails(t *testing.T) {
	store := new(storage.MockStore)
	store.On("Load", mock.Anything).Return(storage.Snapshot{}, errors.New("disk gone")).Once()

	_, err := Open(context.Background(), store)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "load", storageErr.Op)
}

func TestQueue_Enqueue_StorageError(t *testing.T) {
	store := new(storage.MockStore)
	store.On("Load", mock.Anything).Return(storage.Snapshot{InstanceID: "n"}, nil).Once()
	store.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full")).Twice()
	store.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	store.On("Close").Return(nil).Once()

	q, err := Open(context.Background(), store)
	require.NoError(t, err)
	defer q.Close()

	for range 2 {
		_, err = q.Enqueue(context.Background(), []byte("a"), nil)
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
	}
	stats := q.Stats()
	assert.Equal(t, 2, stats.StorageErrors)
	assert.Contains(t, stats.LastError, "disk full")
	assert.Zero(t, stats.Depth)

	id, err := q.Enqueue(context.Background(), []byte("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id, "ids of failed appends are not reused")
	assert.Zero(t, q.Stats().StorageErrors)
}

func TestQueue_Enqueue_WriteTimeout(t *testing.T) {
	release := make(chan struct{})
	store := new(storage.MockStore)
	store.On("Load", mock.Anything).Return(storage.Snapshot{InstanceID: "n"}, nil).Once()
	store.On("Append", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()
	store.On("Close").Return(nil).Once()

	q, err := Open(context.Background(), store, WithWriteTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Enqueue(context.Background(), []byte("a"), nil)
	elapsed := time.Since(start)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second)

	close(release)
	require.NoError(t, q.Close())
	store.AssertExpectations(t)
}

// Scenario: five events into a queue holding three, nothing drained.
func TestQueue_Capacity_DropsOldest(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithCapacity(3, 0))

	enqueueAll(t, q.Queue, "a", "b", "c", "d", "e")

	stats := q.Stats()
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, uint64(2), stats.DroppedCount)
	assert.Equal(t, []string{"c", "d", "e"}, payloads(dequeueNow(t, q.Queue, 10, 0)))
}

func TestQueue_Capacity_EvictsPendingBeforeFailed(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithCapacity(3, 0))
	enqueueAll(t, q.Queue, "dead")
	batch := dequeueNow(t, q.Queue, 1, 0)
	require.NoError(t, q.Nack(context.Background(), batch[0].ID, true, errors.New("rejected")))

	enqueueAll(t, q.Queue, "a", "b", "c")

	assert.Equal(t, []string{"dead"}, payloads(q.DeadLetters(0)))
	assert.Equal(t, []string{"b", "c"}, payloads(dequeueNow(t, q.Queue, 10, 0)))

	// With no Pending event left, the dead letter goes next.
	enqueueAll(t, q.Queue, "d")
	assert.Empty(t, q.DeadLetters(0))
	assert.Equal(t, uint64(2), q.Stats().DroppedCount)
}

func TestQueue_Capacity_EvictionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, WithCapacity(2, 0))
	enqueueAll(t, q.Queue, "a", "b", "c")
	q.crash(t)

	q = openTestQueue(t, dir, WithCapacity(2, 0))
	assert.Equal(t, []string{"b", "c"}, payloads(dequeueNow(t, q.Queue, 10, 0)))
}

func TestQueue_Capacity_LoweredBetweenRuns(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	enqueueAll(t, q.Queue, "a", "b", "c")
	q.crash(t)

	q = openTestQueue(t, dir, WithCapacity(1, 0))
	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, uint64(2), stats.DroppedCount)
}

// Random enqueue sizes never push the queue past either limit, and every
// event that is gone was counted once.
func TestQueue_Capacity_Bounded(t *testing.T) {
	const (
		maxEvents = 5
		maxBytes  = 40
	)
	rng := rand.New(rand.NewPCG(1, 2))
	q := openTestQueue(t, t.TempDir(), WithCapacity(maxEvents, maxBytes))

	for i := range 200 {
		size := 1 + rng.IntN(maxBytes)
		_, err := q.Enqueue(context.Background(), make([]byte, size), nil)
		require.NoError(t, err)

		stats := q.Stats()
		require.LessOrEqual(t, stats.Depth+stats.DeadLetters, maxEvents)
		require.LessOrEqual(t, stats.Bytes, int64(maxBytes))
		require.Equal(t, uint64(i+1), stats.DroppedCount+uint64(stats.Depth), "enqueue %d", i)
	}
}

// Every acknowledged Enqueue is found after a crash at a random point.
func TestQueue_Durability_CrashAfterEnqueue(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for round := range 5 {
		t.Run(fmt.Sprintf("round_%d", round), func(t *testing.T) {
			dir := t.TempDir()
			q := openTestQueue(t, dir)

			var acked []int64
			n := 1 + rng.IntN(30)
			for i := range n {
				id, err := q.Enqueue(context.Background(), []byte(fmt.Sprintf("event-%d", i)), nil)
				require.NoError(t, err)
				acked = append(acked, id)
			}
			q.crash(t)

			q = openTestQueue(t, dir)
			batch := dequeueNow(t, q.Queue, n+1, 0)
			got := make([]int64, len(batch))
			for i, ev := range batch {
				got[i] = ev.ID
			}
			assert.Equal(t, acked, got)
		})
	}
}

// Scenario: crash right after Enqueue returns.
func TestQueue_Durability_ImmediateCrash(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	id, err := q.Enqueue(context.Background(), []byte("survivor"), nil)
	require.NoError(t, err)
	q.crash(t)

	q = openTestQueue(t, dir)
	batch := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)
	assert.Equal(t, "survivor", string(batch[0].Payload))
	assert.Equal(t, 1, batch[0].Attempts)
}

func TestQueue_Durability_InFlightRevertsAfterCrash(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	enqueueAll(t, q.Queue, "a", "b")
	dequeueNow(t, q.Queue, 10, 0)
	q.crash(t)

	q = openTestQueue(t, dir)
	stats := q.Stats()
	assert.Equal(t, 2, stats.Depth)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, []string{"a", "b"}, payloads(dequeueNow(t, q.Queue, 10, 0)))
}

func TestQueue_Enqueue_MaxPayload(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithMaxPayload(4))

	_, err := q.Enqueue(context.Background(), []byte("too large"), nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	enqueueAll(t, q.Queue, "fits")
	assert.Equal(t, 1, q.Stats().Depth)
}

// A payload too large for the log is refused up front and does not damage
// the records around it.
func TestQueue_Enqueue_OversizedPayloadSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, WithWriteTimeout(30*time.Second))
	enqueueAll(t, q.Queue, "a", "b")

	_, err := q.Enqueue(context.Background(), make([]byte, 65<<20), nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.ErrorIs(t, err, storage.ErrRecordTooLarge)
	assert.Zero(t, q.Stats().StorageErrors, "a refused record is not a storage fault")

	enqueueAll(t, q.Queue, "c")
	require.Equal(t, 3, q.Stats().Depth)
	q.crash(t)

	q = openTestQueue(t, dir)
	stats := q.Stats()
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, int64(3), stats.Bytes)

	id, err := q.Enqueue(context.Background(), []byte("d"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id, "ids are not reused after a restart")
	assert.Equal(t, []string{"a", "b", "c", "d"}, payloads(dequeueNow(t, q.Queue, 10, 0)))
}

func TestQueue_DequeueBatch_LeaseStorageError(t *testing.T) {
	store := new(storage.MockStore)
	store.On("Load", mock.Anything).Return(storage.Snapshot{
		InstanceID: "n",
		HighWater:  1,
		Records: []storage.Record{
			{ID: 1, Timestamp: time.Unix(1700000000, 0), Payload: []byte("a"), Status: storage.StatusPending},
		},
	}, nil).Once()
	store.On("Update", mock.Anything, mock.Anything).Return(errors.New("i/o error")).Once()
	store.On("Update", mock.Anything, mock.Anything).Return(nil).Once()
	store.On("Close").Return(nil).Once()

	q, err := Open(context.Background(), store)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.DequeueBatch(context.Background(), 10, 0)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "lease", storageErr.Op)

	stats := q.Stats()
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.StorageErrors)

	batch := dequeueNow(t, q, 10, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts, "an unrecorded lease does not count as an attempt")
	store.AssertExpectations(t)
}

// An event that keeps crashing the process during delivery still reaches
// the dead-letter area.
func TestQueue_Durability_CrashLoopExhaustsAttempts(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, WithMaxAttempts(2))
	enqueueAll(t, q.Queue, "poison", "next")

	for attempt := 1; attempt <= 2; attempt++ {
		batch := dequeueNow(t, q.Queue, 1, 0)
		require.Len(t, batch, 1)
		assert.Equal(t, "poison", string(batch[0].Payload))
		assert.Equal(t, attempt, batch[0].Attempts)
		q.crash(t)
		q = openTestQueue(t, dir, WithMaxAttempts(2))
	}

	dead := q.DeadLetters(0)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", string(dead[0].Payload))
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "interrupted during delivery", dead[0].LastError)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, uint64(1), stats.FailedCount)
	assert.Equal(t, []string{"next"}, payloads(dequeueNow(t, q.Queue, 10, 0)))
	q.crash(t)

	q = openTestQueue(t, dir, WithMaxAttempts(2))
	assert.Len(t, q.DeadLetters(0), 1)
}

func TestQueue_Ack_AfterLeaseExpiredOnLastAttempt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir(), WithClock(clock), WithVisibilityTimeout(time.Second), WithMaxAttempts(1))
	enqueueAll(t, q.Queue, "slow")
	batch := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, batch, 1)

	clock.Advance(2 * time.Second)
	n, err := q.ReclaimExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(1), q.Stats().FailedCount)

	// The send went through after all.
	require.NoError(t, q.Ack(context.Background(), batch[0].ID))

	stats := q.Stats()
	assert.Zero(t, stats.FailedCount)
	assert.Equal(t, uint64(1), stats.DeliveredCount)
	assert.Zero(t, stats.DeadLetters)
	assert.Empty(t, q.DeadLetters(0))
}
