package edgebox

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockSink is a mock implementation of the Sink interface.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Send(ctx context.Context, batch []Event) ([]int64, error) {
	args := m.Called(ctx, batch)
	acked, _ := args.Get(0).([]int64)
	return acked, args.Error(1)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

// funcSink runs sendFn for every batch and records what it was given.
type funcSink struct {
	sendFn func(ctx context.Context, batch []Event) ([]int64, error)

	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *funcSink) Send(ctx context.Context, batch []Event) ([]int64, error) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	if s.sendFn != nil {
		return s.sendFn(ctx, batch)
	}
	return eventIDs(batch), nil
}

func (s *funcSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *funcSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *funcSink) sent() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, b := range s.batches {
		ids = append(ids, eventIDs(b)...)
	}
	return ids
}

func eventIDs(batch []Event) []int64 {
	ids := make([]int64, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	return ids
}
