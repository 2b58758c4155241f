package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Load(ctx context.Context) (Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(Snapshot), args.Error(1)
}

func (m *MockStore) Append(ctx context.Context, rec Record, evict ...int64) error {
	args := m.Called(ctx, rec, evict)
	return args.Error(0)
}

func (m *MockStore) Update(ctx context.Context, recs ...Record) error {
	args := m.Called(ctx, recs)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, ids ...int64) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockStore) Compact(ctx context.Context) (CompactResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(CompactResult), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
