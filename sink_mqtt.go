package edgebox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const mqttQoSAtLeastOnce = 1

// ErrNotConnected is returned by MQTTSink when the client has no open connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// MQTTSinkOption configures an MQTTSink.
type MQTTSinkOption func(*MQTTSink)

// WithMQTTLogger sets the logger.
func WithMQTTLogger(logger *zap.Logger) MQTTSinkOption {
	return func(s *MQTTSink) {
		s.logger = logger
	}
}

// WithMQTTMaxPayload rejects events whose encoded message exceeds n bytes.
// Brokers drop such messages, so retrying them cannot succeed.
func WithMQTTMaxPayload(n int) MQTTSinkOption {
	return func(s *MQTTSink) {
		s.maxPayload = n
	}
}

// mqttMessage is the JSON envelope published for every event. MQTT 3.1.1
// carries no message headers, so id and headers travel in the body.
type mqttMessage struct {
	InstanceID string            `json:"instance_id"`
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Attempts   int               `json:"attempts"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    []byte            `json:"payload"`
}

// MQTTSink publishes each event with QoS 1 and treats the PUBACK as the
// acknowledgement.
type MQTTSink struct {
	client     mqtt.Client
	topic      string
	instanceID string
	maxPayload int
	logger     *zap.Logger
}

// NewMQTTClient builds a paho client for broker that reconnects on its own.
func NewMQTTClient(broker, clientID string, logger *zap.Logger) mqtt.Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("broker", broker), zap.Error(err))
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("MQTT connected", zap.String("broker", broker))
		})
	return mqtt.NewClient(opts)
}

// NewMQTTSink creates a sink publishing to topic through client. The client
// is connected by the caller.
func NewMQTTSink(client mqtt.Client, topic, instanceID string, opts ...MQTTSinkOption) *MQTTSink {
	s := &MQTTSink{
		client:     client,
		topic:      topic,
		instanceID: instanceID,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements the Sink interface.
func (s *MQTTSink) Send(ctx context.Context, batch []Event) ([]int64, error) {
	if !s.client.IsConnectionOpen() {
		return nil, NewTransientSendError(ErrNotConnected)
	}

	var (
		acked []int64
		errs  error
	)
	for _, ev := range batch {
		body, err := json.Marshal(mqttMessage{
			InstanceID: s.instanceID,
			ID:         ev.ID,
			Timestamp:  ev.Timestamp,
			Attempts:   ev.Attempts,
			Headers:    ev.Headers,
			Payload:    ev.Payload,
		})
		if err != nil {
			errs = multierr.Append(errs, NewPermanentSendError(ev.ID, err))
			continue
		}
		if s.maxPayload > 0 && len(body) > s.maxPayload {
			errs = multierr.Append(errs, NewPermanentSendError(ev.ID,
				fmt.Errorf("message of %d bytes exceeds limit of %d", len(body), s.maxPayload)))
			continue
		}

		token := s.client.Publish(s.topic, mqttQoSAtLeastOnce, false, body)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return acked, multierr.Append(errs, NewTransientSendError(ctx.Err()))
		}
		if err := token.Error(); err != nil {
			// Stop so that later events do not overtake this one.
			return acked, multierr.Append(errs, NewTransientSendError(err))
		}
		acked = append(acked, ev.ID)
	}

	return acked, errs
}

// Close disconnects the client, waiting up to 250ms for in-flight work.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
