package edgebox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	HeaderEventID    = "edgebox-id"
	HeaderInstanceID = "edgebox-instance"
	HeaderAttempts   = "edgebox-attempts"
)

// KafkaHeaderBuilder builds the Kafka message headers of an event.
type KafkaHeaderBuilder func(instanceID string, event Event) []kafka.Header

// KafkaSinkOption configures a KafkaSink.
type KafkaSinkOption func(*KafkaSink)

// WithKafkaProducerProps merges props into the producer configuration.
func WithKafkaProducerProps(props kafka.ConfigMap) KafkaSinkOption {
	return func(s *KafkaSink) {
		for k, v := range props {
			s.producerProps[k] = v
		}
	}
}

// WithKafkaTopic sets the topic events are produced to.
func WithKafkaTopic(topic string) KafkaSinkOption {
	return func(s *KafkaSink) {
		s.topic = topic
	}
}

// WithKafkaHeaderBuilder sets how message headers are built from an event.
func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaSinkOption {
	return func(s *KafkaSink) {
		s.headerBuilder = builder
	}
}

// KafkaSink produces every event of a batch to a Kafka topic and waits for
// the delivery reports. Messages are keyed by the queue instance id so that
// one node's events land on one partition in order.
type KafkaSink struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	topic         string
	instanceID    string
	headerBuilder KafkaHeaderBuilder
}

// NewKafkaSink creates a KafkaSink for the queue instance instanceID.
func NewKafkaSink(instanceID string, logger *zap.Logger, opts ...KafkaSinkOption) (*KafkaSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaSink{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topic:         "edgebox-events",
		instanceID:    instanceID,
		headerBuilder: buildKafkaHeaders,
	}

	for _, opt := range opts {
		opt(s)
	}

	producer, err := kafka.NewProducer(&s.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	s.producer = producer

	go s.handleEvents()

	return s, nil
}

// Send implements the Sink interface.
func (s *KafkaSink) Send(ctx context.Context, batch []Event) ([]int64, error) {
	reports := make(chan kafka.Event, len(batch))

	var errs error
	pending := 0
	for _, ev := range batch {
		msg := s.message(ev)
		if err := s.producer.Produce(msg, reports); err != nil {
			sendErr := classifyKafkaError(ev.ID, err)
			errs = multierr.Append(errs, sendErr)
			var perm *PermanentSendError
			if !errors.As(sendErr, &perm) {
				// Later events must not overtake this one.
				break
			}
			continue
		}
		pending++
	}

	var acked []int64
	for pending > 0 {
		select {
		case e := <-reports:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			pending--

			id, _ := m.Opaque.(int64)
			if m.TopicPartition.Error != nil {
				errs = multierr.Append(errs, classifyKafkaError(id, m.TopicPartition.Error))
				continue
			}
			acked = append(acked, id)

		case <-ctx.Done():
			s.logger.Warn("Kafka delivery reports timed out", zap.Int("outstanding", pending))
			errs = multierr.Append(errs, NewTransientSendError(ctx.Err()))
			pending = 0
		}
	}

	sort.Slice(acked, func(i, j int) bool { return acked[i] < acked[j] })
	return acked, errs
}

func (s *KafkaSink) message(ev Event) *kafka.Message {
	topic := s.topic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(s.instanceID),
		Value:          ev.Payload,
		Headers:        s.headerBuilder(s.instanceID, ev),
		Timestamp:      ev.Timestamp,
		Opaque:         ev.ID,
	}
}

// Close flushes the producer and closes the Kafka connection.
func (s *KafkaSink) Close() error {
	s.logger.Info("Closing kafka producer")
	if remaining := s.producer.Flush(15 * 1000); remaining > 0 {
		s.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("count", remaining))
	}
	s.producer.Close()
	return nil
}

// handleEvents logs client-level errors. Delivery reports go to the channel
// passed to Produce.
func (s *KafkaSink) handleEvents() {
	for e := range s.producer.Events() {
		if ev, ok := e.(kafka.Error); ok {
			s.logger.Error("Kafka error", zap.Error(ev), zap.Bool("fatal", ev.IsFatal()))
		}
	}
}

// classifyKafkaError reports errors that a retry cannot fix as permanent.
func classifyKafkaError(id int64, err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr.Code() {
		case kafka.ErrMsgSizeTooLarge,
			kafka.ErrInvalidMsg,
			kafka.ErrRecordListTooLarge,
			kafka.ErrTopicAuthorizationFailed:
			return NewPermanentSendError(id, err)
		}
	}
	return NewTransientSendError(err)
}

// buildKafkaHeaders is the default function for creating Kafka headers from an event.
func buildKafkaHeaders(instanceID string, event Event) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(strconv.FormatInt(event.ID, 10))},
		{Key: HeaderInstanceID, Value: []byte(instanceID)},
		{Key: HeaderAttempts, Value: []byte(strconv.Itoa(event.Attempts))},
	}

	keys := make([]string, 0, len(event.Headers))
	for k := range event.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(event.Headers[k])})
	}

	return headers
}
