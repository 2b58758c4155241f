package edgebox

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is the class of errors caused by queue capacity.
	// Capacity pressure is normally absorbed by eviction and never surfaces.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
	// ErrPayloadTooLarge is returned when a single payload exceeds the byte capacity of the queue.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload larger than byte capacity", ErrCapacityExceeded)
	// ErrEmptyPayload is returned when emitting an event without payload.
	ErrEmptyPayload = errors.New("payload is empty")
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrEventNotFound is returned when an operation names an event that is not in the expected state.
	ErrEventNotFound = errors.New("event not found")
)

// StorageError reports a failed durable read or write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// TransientSendError reports a delivery failure that is expected to clear on
// its own: timeouts, refused connections, overloaded sinks.
type TransientSendError struct {
	Cause error
}

// NewTransientSendError wraps cause as a transient send failure.
func NewTransientSendError(cause error) *TransientSendError {
	return &TransientSendError{Cause: cause}
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("transient send error: %v", e.Cause)
}

func (e *TransientSendError) Unwrap() error {
	return e.Cause
}

// PermanentSendError reports that the sink rejected one event. The event is
// not retried.
type PermanentSendError struct {
	EventID int64
	Cause   error
}

// NewPermanentSendError reports that the sink rejected the event with id.
func NewPermanentSendError(id int64, cause error) *PermanentSendError {
	return &PermanentSendError{EventID: id, Cause: cause}
}

func (e *PermanentSendError) Error() string {
	return fmt.Sprintf("event %d rejected: %v", e.EventID, e.Cause)
}

func (e *PermanentSendError) Unwrap() error {
	return e.Cause
}

// WorkerUnresponsiveError is attached to the health event raised when a
// worker keeps missing heartbeats after every allowed restart.
type WorkerUnresponsiveError struct {
	Worker   string
	Restarts int
}

func (e *WorkerUnresponsiveError) Error() string {
	return fmt.Sprintf("worker %q unresponsive after %d restarts", e.Worker, e.Restarts)
}
