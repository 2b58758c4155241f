package edgebox

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func newTestPublisher(q *Queue, sink Sink, opts ...PublisherOption) *Publisher {
	opts = append([]PublisherOption{
		WithPollInterval(20 * time.Millisecond),
		WithBackoffStrategy(NewFixedBackoffStrategy(0)),
	}, opts...)
	return NewPublisher(q, sink, opts...)
}

func publishOnce(t *testing.T, p *Publisher) (time.Duration, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.PublishOnce(ctx)
}

// Scenario: every event accepted on the first attempt.
func TestPublisher_PublishOnce_AllAcked(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a", "b", "c")
	sink := &funcSink{}
	p := newTestPublisher(q.Queue, sink)

	wait, err := publishOnce(t, p)

	require.NoError(t, err)
	assert.Zero(t, wait)
	assert.Equal(t, []int64{1, 2, 3}, sink.sent())
	stats := q.Stats()
	assert.Zero(t, stats.Depth)
	assert.Zero(t, stats.DroppedCount)
	assert.Equal(t, uint64(3), stats.DeliveredCount)
	assert.Equal(t, PublisherIdle, p.State())
}

func TestPublisher_PublishOnce_EmptyQueue(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	sink := &funcSink{}
	p := newTestPublisher(q.Queue, sink)

	wait, err := publishOnce(t, p)

	require.NoError(t, err)
	assert.Zero(t, wait)
	assert.Zero(t, sink.calls())
}

// Scenario: two transient failures, then success on the third attempt.
func TestPublisher_PublishOnce_RetriesWithBackoff(t *testing.T) {
	const base = 10 * time.Millisecond
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a")

	var calls atomic.Int32
	sink := &funcSink{sendFn: func(_ context.Context, batch []Event) ([]int64, error) {
		if calls.Add(1) <= 2 {
			return nil, NewTransientSendError(errors.New("connection refused"))
		}
		return eventIDs(batch), nil
	}}
	p := newTestPublisher(q.Queue, sink, WithBackoffStrategy(NewExponentialBackoff(base, time.Second)))

	var total time.Duration
	for i := 1; i <= 2; i++ {
		wait, err := publishOnce(t, p)
		require.Error(t, err)
		var transient *TransientSendError
		assert.ErrorAs(t, err, &transient)
		assert.Equal(t, PublisherBackoff, p.State())
		assert.Equal(t, i, p.FailureStreak())
		total += wait
	}

	wait, err := publishOnce(t, p)
	require.NoError(t, err)
	assert.Zero(t, wait)
	assert.Zero(t, p.FailureStreak())

	assert.GreaterOrEqual(t, total, base+2*base)
	require.Len(t, sink.batches, 3)
	assert.Equal(t, 3, sink.batches[2][0].Attempts)
	assert.Equal(t, uint64(1), q.Stats().DeliveredCount)
}

// Scenario: one event of three rejected with maxAttempts of one.
func TestPublisher_PublishOnce_PermanentRejection(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithMaxAttempts(1))
	enqueueAll(t, q.Queue, "a", "malformed", "c")

	sink := &funcSink{sendFn: func(_ context.Context, batch []Event) ([]int64, error) {
		for _, ev := range batch {
			if string(ev.Payload) == "malformed" {
				return nil, NewPermanentSendError(ev.ID, errors.New("schema mismatch"))
			}
		}
		return eventIDs(batch), nil
	}}
	p := newTestPublisher(q.Queue, sink)

	wait, err := publishOnce(t, p)
	require.NoError(t, err)
	assert.Zero(t, wait, "a rejection is not a reason to back off")
	assert.Zero(t, p.FailureStreak())

	dead := q.DeadLetters(0)
	require.Len(t, dead, 1)
	assert.Equal(t, "malformed", string(dead[0].Payload))

	_, err = publishOnce(t, p)
	require.NoError(t, err)

	stats := q.Stats()
	assert.Zero(t, stats.Depth)
	assert.Equal(t, uint64(2), stats.DeliveredCount)
	assert.Equal(t, uint64(1), stats.FailedCount)
	assert.Equal(t, []int64{1, 3}, eventIDs(sink.batches[1]))
	assert.Equal(t, 1, sink.batches[1][0].Attempts)
}

func TestPublisher_PublishOnce_PartialAck(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a", "b", "c")
	sink := &funcSink{sendFn: func(_ context.Context, batch []Event) ([]int64, error) {
		return eventIDs(batch[:1]), nil
	}}
	p := newTestPublisher(q.Queue, sink)

	_, err := publishOnce(t, p)

	require.Error(t, err)
	assert.Equal(t, 1, p.FailureStreak())
	stats := q.Stats()
	assert.Equal(t, 2, stats.Depth)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, uint64(1), stats.DeliveredCount)
}

func TestPublisher_PublishOnce_MixedErrors(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a", "b", "c")
	sink := &funcSink{sendFn: func(_ context.Context, batch []Event) ([]int64, error) {
		return []int64{batch[0].ID}, multierr.Combine(
			NewPermanentSendError(batch[1].ID, errors.New("too large")),
			NewTransientSendError(errors.New("broker unavailable")),
		)
	}}
	p := newTestPublisher(q.Queue, sink)

	_, err := publishOnce(t, p)

	require.Error(t, err)
	assert.Equal(t, PublisherBackoff, p.State())
	assert.Equal(t, []string{"b"}, payloads(q.DeadLetters(0)))
	next := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, next, 1)
	assert.Equal(t, "c", string(next[0].Payload))
	assert.Equal(t, 2, next[0].Attempts, "the transient failure counted")
}

func TestPublisher_PublishOnce_SendTimeout(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a")
	sink := &funcSink{sendFn: func(ctx context.Context, _ []Event) ([]int64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := newTestPublisher(q.Queue, sink, WithSendTimeout(20*time.Millisecond))

	_, err := publishOnce(t, p)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Stats().Depth)
	assert.Zero(t, q.Stats().InFlight)
}

func TestPublisher_PublishOnce_Unreachable(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a")
	sink := new(MockSink)
	p := newTestPublisher(q.Queue, sink, WithProbe(StaticProbe(false), 3*time.Second))

	wait, err := publishOnce(t, p)

	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, wait)
	assert.Zero(t, p.FailureStreak())
	assert.Zero(t, q.Stats().InFlight)
	sink.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestPublisher_PublishOnce_ReachableProbe(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a")
	sink := new(MockSink)
	sink.On("Send", mock.Anything, mock.MatchedBy(func(b []Event) bool { return len(b) == 1 })).
		Return([]int64{1}, nil).Once()
	p := newTestPublisher(q.Queue, sink, WithProbe(StaticProbe(true), time.Second))

	_, err := publishOnce(t, p)

	require.NoError(t, err)
	sink.AssertExpectations(t)
}

func TestPublisher_PublishOnce_BatchLimits(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	enqueueAll(t, q.Queue, "a", "b", "c", "d", "e")
	sink := &funcSink{}
	p := newTestPublisher(q.Queue, sink, WithBatchLimits(2, 0))

	for range 3 {
		_, err := publishOnce(t, p)
		require.NoError(t, err)
	}

	require.Len(t, sink.batches, 3)
	assert.Equal(t, []int64{1, 2}, eventIDs(sink.batches[0]))
	assert.Equal(t, []int64{3, 4}, eventIDs(sink.batches[1]))
	assert.Equal(t, []int64{5}, eventIDs(sink.batches[2]))
}

// Acknowledged ids reach the sink in ascending order through random partial
// failures.
func TestPublisher_OrderPreserved(t *testing.T) {
	const n = 50
	rng := rand.New(rand.NewPCG(3, 5))
	q := openTestQueue(t, t.TempDir(), WithMaxAttempts(0))
	for range n {
		enqueueAll(t, q.Queue, "x")
	}

	var acked []int64
	sink := &funcSink{sendFn: func(_ context.Context, batch []Event) ([]int64, error) {
		k := rng.IntN(len(batch) + 1)
		ids := eventIDs(batch[:k])
		acked = append(acked, ids...)
		if k < len(batch) {
			return ids, NewTransientSendError(errors.New("flaky link"))
		}
		return ids, nil
	}}
	p := newTestPublisher(q.Queue, sink, WithBatchLimits(7, 0))

	for i := 0; q.Stats().Depth > 0; i++ {
		require.Less(t, i, 10*n, "queue did not drain")
		_, _ = publishOnce(t, p)
	}

	require.Len(t, acked, n)
	for i := 1; i < len(acked); i++ {
		assert.Less(t, acked[i-1], acked[i])
	}
}

// A publisher that dies holding a lease does not let a successor skip ahead.
func TestPublisher_OrderPreservedAcrossRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir(), WithClock(clock), WithVisibilityTimeout(10*time.Second))
	enqueueAll(t, q.Queue, "a", "b", "c")

	// The first publisher leased a and b and then stopped.
	dequeueNow(t, q.Queue, 2, 0)

	sink := &funcSink{}
	p := newTestPublisher(q.Queue, sink, WithPublisherClock(clock))

	_, err := publishOnce(t, p)
	require.NoError(t, err)
	assert.Zero(t, sink.calls(), "c must not overtake the leased events")

	clock.Advance(11 * time.Second)
	_, err = publishOnce(t, p)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, sink.sent())
}

// A crash between the sink ack and the local Ack redelivers the batch once.
func TestPublisher_AtLeastOnceAfterCrash(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir)
	enqueueAll(t, q.Queue, "a", "b")

	sink := &funcSink{}
	batch := dequeueNow(t, q.Queue, 10, 0)
	_, err := sink.Send(context.Background(), batch)
	require.NoError(t, err)
	q.crash(t)

	q = openTestQueue(t, dir)
	p := newTestPublisher(q.Queue, sink)
	_, err = publishOnce(t, p)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 1, 2}, sink.sent())
	assert.Zero(t, q.Stats().Depth)
}

func TestPublisher_Run(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	delivered := make(chan struct{}, 1)
	sink := &funcSink{sendFn: func(_ context.Context, batch []Event) ([]int64, error) {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return eventIDs(batch), nil
	}}
	p := newTestPublisher(q.Queue, sink)

	var beats atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func() { beats.Add(1) })
	}()

	enqueueAll(t, q.Queue, "a")
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Positive(t, beats.Load())
}

func TestPublisher_Run_QueueClosed(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	p := newTestPublisher(q.Queue, &funcSink{})
	require.NoError(t, q.Close())

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), nil)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept polling a closed queue")
	}
}

func TestPublisherState_String(t *testing.T) {
	assert.Equal(t, "idle", PublisherIdle.String())
	assert.Equal(t, "sending", PublisherSending.String())
	assert.Equal(t, "acking", PublisherAcking.String())
	assert.Equal(t, "backoff", PublisherBackoff.String())
}
