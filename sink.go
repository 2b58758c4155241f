package edgebox

import "context"

// NopSink acknowledges every event without sending it anywhere.
type NopSink struct{}

// NewNopSink creates a new NopSink.
func NewNopSink() *NopSink {
	return &NopSink{}
}

// Send implements the Sink interface.
func (s *NopSink) Send(_ context.Context, batch []Event) ([]int64, error) {
	acked := make([]int64, len(batch))
	for i, ev := range batch {
		acked[i] = ev.ID
	}
	return acked, nil
}

// Close implements the Sink interface.
func (s *NopSink) Close() error {
	return nil
}
