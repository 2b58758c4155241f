package edgebox

import (
	"fmt"
	"maps"
	"time"

	"github.com/overtonx/edgebox/storage"
)

// EventState is the delivery state of a queued event.
type EventState int

const (
	StatePending   EventState = storage.StatusPending
	StateInFlight  EventState = storage.StatusInFlight
	StateDelivered EventState = storage.StatusDelivered
	StateFailed    EventState = storage.StatusFailed
)

func (s EventState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventState(%d)", int(s))
	}
}

// Event is a single unit of durable telemetry.
type Event struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Attempts  int               `json:"attempts"`
	State     EventState        `json:"state"`
	LastError string            `json:"last_error,omitempty"`
}

// Size is the number of bytes the event accounts for against queue capacity.
func (e Event) Size() int {
	return len(e.Payload)
}

func eventFromRecord(rec storage.Record) Event {
	return Event{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		Payload:   rec.Payload,
		Headers:   rec.Headers,
		Attempts:  rec.Attempts,
		State:     EventState(rec.Status),
		LastError: rec.LastError,
	}
}

func (e Event) record() storage.Record {
	return storage.Record{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		Headers:   e.Headers,
		Attempts:  e.Attempts,
		Status:    int(e.State),
		LastError: e.LastError,
	}
}

// clone returns a copy that shares the payload but not the header map.
func (e Event) clone() Event {
	e.Headers = maps.Clone(e.Headers)
	return e
}

// Stats is an observability snapshot of a queue.
type Stats struct {
	// Depth is the number of events awaiting delivery (Pending and InFlight).
	Depth int `json:"depth"`
	// InFlight is the number of events currently leased to the publisher.
	InFlight int `json:"in_flight"`
	// DeadLetters is the number of Failed events retained for inspection.
	DeadLetters int `json:"dead_letters"`
	// Bytes is the payload size of every retained event.
	Bytes int64 `json:"bytes"`
	// OldestAge is the age of the oldest event awaiting delivery.
	OldestAge time.Duration `json:"oldest_age"`

	DroppedCount   uint64 `json:"dropped_count"`
	FailedCount    uint64 `json:"failed_count"`
	DeliveredCount uint64 `json:"delivered_count"`

	// StorageErrors counts consecutive failed durable writes. It resets on
	// the next successful write.
	StorageErrors int    `json:"storage_errors"`
	LastError     string `json:"last_error,omitempty"`
}
