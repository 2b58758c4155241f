package edgebox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxHTTPResponseBody = 1 << 20

// HTTPSinkOption configures an HTTPSink.
type HTTPSinkOption func(*HTTPSink)

// WithHTTPClient sets the client used to post batches.
func WithHTTPClient(client *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.client = client
	}
}

// WithHTTPHeader adds a header to every request.
func WithHTTPHeader(key, value string) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.headers.Set(key, value)
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *zap.Logger) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.logger = logger
	}
}

type httpBatch struct {
	InstanceID string      `json:"instance_id"`
	Events     []httpEvent `json:"events"`
}

type httpEvent struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Attempts  int               `json:"attempts"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   []byte            `json:"payload"`
}

// httpAckResponse is the optional partial acknowledgement an ingest endpoint
// may return with a 2xx status.
type httpAckResponse struct {
	Acked    *[]int64 `json:"acked"`
	Rejected []struct {
		ID     int64  `json:"id"`
		Reason string `json:"reason"`
	} `json:"rejected"`
}

// HTTPSink posts batches as JSON to an ingest endpoint.
//
// A 2xx response acknowledges the whole batch unless its body lists "acked"
// and "rejected" ids. 408, 429 and 5xx responses are transient; any other
// 4xx rejects every event of the batch.
type HTTPSink struct {
	url        string
	instanceID string
	client     *http.Client
	headers    http.Header
	logger     *zap.Logger
}

// NewHTTPSink creates a sink posting to url.
func NewHTTPSink(url, instanceID string, opts ...HTTPSinkOption) *HTTPSink {
	s := &HTTPSink{
		url:        url,
		instanceID: instanceID,
		client:     &http.Client{},
		headers:    make(http.Header),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements the Sink interface.
func (s *HTTPSink) Send(ctx context.Context, batch []Event) ([]int64, error) {
	payload := httpBatch{InstanceID: s.instanceID, Events: make([]httpEvent, len(batch))}
	for i, ev := range batch {
		payload.Events[i] = httpEvent{
			ID:        ev.ID,
			Timestamp: ev.Timestamp,
			Attempts:  ev.Attempts,
			Headers:   ev.Headers,
			Payload:   ev.Payload,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range s.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewTransientSendError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBody))
	if err != nil {
		return nil, NewTransientSendError(fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return s.parseAck(batch, respBody)

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, NewTransientSendError(statusError(resp.StatusCode, respBody))

	default:
		cause := statusError(resp.StatusCode, respBody)
		var errs error
		for _, ev := range batch {
			errs = multierr.Append(errs, NewPermanentSendError(ev.ID, cause))
		}
		return nil, errs
	}
}

func (s *HTTPSink) parseAck(batch []Event, body []byte) ([]int64, error) {
	var ack httpAckResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			s.logger.Debug("Ignoring unparsable ack body", zap.Error(err))
			ack = httpAckResponse{}
		}
	}

	inBatch := make(map[int64]struct{}, len(batch))
	for _, ev := range batch {
		inBatch[ev.ID] = struct{}{}
	}

	var errs error
	rejected := make(map[int64]struct{})
	for _, r := range ack.Rejected {
		if _, ok := inBatch[r.ID]; !ok {
			continue
		}
		rejected[r.ID] = struct{}{}
		errs = multierr.Append(errs, NewPermanentSendError(r.ID, errors.New(r.Reason)))
	}

	var acked []int64
	if ack.Acked == nil {
		for _, ev := range batch {
			if _, ok := rejected[ev.ID]; !ok {
				acked = append(acked, ev.ID)
			}
		}
		return acked, errs
	}

	for _, id := range *ack.Acked {
		if _, ok := inBatch[id]; ok {
			acked = append(acked, id)
		}
	}
	return acked, errs
}

func statusError(code int, body []byte) error {
	msg := string(bytes.TrimSpace(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("ingest responded %d %s", code, http.StatusText(code))
	}
	return fmt.Errorf("ingest responded %d: %s", code, msg)
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
