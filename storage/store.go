package storage

import (
	"context"
	"errors"
	"time"
)

// Record statuses as persisted by a Store.
const (
	StatusPending   = 0
	StatusInFlight  = 1
	StatusDelivered = 2
	StatusFailed    = 3
)

var (
	// ErrRecordExists is returned by Append when a record with the same id is already stored.
	ErrRecordExists = errors.New("record already exists")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrRecordTooLarge is returned when a record exceeds what the medium can persist.
	ErrRecordTooLarge = errors.New("record too large for store")
)

// Record is the persisted representation of a queued event.
type Record struct {
	ID        int64
	Timestamp time.Time
	Payload   []byte
	Headers   map[string]string
	Attempts  int
	Status    int
	LastError string
}

// Size is the number of payload bytes the record accounts for against queue capacity.
func (r Record) Size() int {
	return len(r.Payload)
}

// Snapshot is the durable state replayed at startup.
type Snapshot struct {
	// InstanceID identifies the queue instance that owns the store. It is
	// created together with the store and never changes.
	InstanceID string
	// HighWater is the largest id ever appended, including ids whose records
	// have since been deleted and compacted away.
	HighWater int64
	// Records holds every live record in ascending id order.
	Records []Record
}

// CompactResult describes the outcome of a compaction.
type CompactResult struct {
	LiveRecords    int
	ReclaimedBytes int64
	Skipped        bool
}

// Store is a crash-safe medium for queue records.
//
// Every mutating call must be durable when it returns without error. A Store
// is owned by exactly one queue; implementations must be safe for concurrent
// use by that queue.
type Store interface {
	// Load replays the durable state. It is called once, before any write.
	Load(ctx context.Context) (Snapshot, error)
	// Append persists a new record and removes the evicted ids in the same durable write.
	Append(ctx context.Context, rec Record, evict ...int64) error
	// Update rewrites the attempts, status and last error of existing records
	// in a single durable write. Unknown ids are ignored.
	Update(ctx context.Context, recs ...Record) error
	// Delete removes records. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...int64) error
	// Compact reclaims space held by deleted or superseded records.
	Compact(ctx context.Context) (CompactResult, error)
	// Close releases the medium. It performs no writes that Enqueue depends on.
	Close() error
}
