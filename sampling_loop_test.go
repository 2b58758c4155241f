package edgebox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplingLoop_SampleOnce_EmitsSample(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	source := SourceFunc(func(context.Context) ([]byte, error) {
		return []byte("cpu=12"), nil
	})
	loop := NewSamplingLoop(source, NewProducer(q.Queue), time.Second, WithSamplingEmitOptions(WithHeader("source", "cpu")))

	loop.SampleOnce(context.Background())

	batch := dequeueNow(t, q.Queue, 10, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, "cpu=12", string(batch[0].Payload))
	assert.Equal(t, "cpu", batch[0].Headers["source"])
}

func TestSamplingLoop_SampleOnce_SkipsErrorsAndEmptySamples(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	var calls atomic.Int32
	source := SourceFunc(func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("sensor busy")
		}
		return nil, nil
	})
	loop := NewSamplingLoop(source, NewProducer(q.Queue), time.Second)

	loop.SampleOnce(context.Background())
	loop.SampleOnce(context.Background())

	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, q.Stats().Depth)
	assert.Equal(t, time.Second, loop.Interval())
}

func TestSamplingLoop_AdaptsIntervalToHints(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithCapacity(2, 0))
	source := SourceFunc(func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	loop := NewSamplingLoop(source, NewProducer(q.Queue, WithReduceRateFraction(1)), time.Second, WithMaxSamplingInterval(3*time.Second))

	loop.SampleOnce(context.Background())
	assert.Equal(t, time.Second, loop.Interval())

	loop.SampleOnce(context.Background())
	assert.Equal(t, 2*time.Second, loop.Interval())

	loop.SampleOnce(context.Background())
	assert.Equal(t, 3*time.Second, loop.Interval(), "interval is capped")

	batch := dequeueNow(t, q.Queue, 10, 0)
	for _, ev := range batch {
		require.NoError(t, q.Ack(context.Background(), ev.ID))
	}

	loop.SampleOnce(context.Background())
	assert.Equal(t, time.Second, loop.Interval(), "interval restored once the queue drains")
}

func TestSamplingLoop_Run(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, t.TempDir())
	source := SourceFunc(func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	loop := NewSamplingLoop(source, NewProducer(q.Queue), 2*time.Second, WithSamplingClock(clock))

	var beats atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, func() { beats.Add(1) })
	}()

	require.Eventually(t, func() bool { return q.Stats().Depth == 1 }, time.Second, time.Millisecond)

	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return q.Stats().Depth == 2 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, beats.Load(), int32(3))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sampling loop did not stop")
	}
}
