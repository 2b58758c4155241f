package main

import (
	"fmt"
	"sort"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/edgebox"
	"github.com/overtonx/edgebox/config"
)

// newSinkFactory returns the factory building the configured sink once the
// queue instance id is known.
func newSinkFactory(opts config.SinkOptions, logger *zap.Logger) edgebox.SinkFactory {
	logger = logger.Named("sink").With(zap.String("kind", opts.Kind))

	return func(instanceID string) (edgebox.Sink, error) {
		switch opts.Kind {
		case config.SinkKafka:
			return edgebox.NewKafkaSink(instanceID, logger,
				edgebox.WithKafkaTopic(opts.Topic),
				edgebox.WithKafkaProducerProps(kafka.ConfigMap{
					"bootstrap.servers": opts.KafkaBrokers,
					"client.id":         "edgeboxd-" + instanceID,
				}),
			)

		case config.SinkMQTT:
			client := edgebox.NewMQTTClient(opts.MQTTBroker, opts.MQTTClientID, logger)
			// The client keeps retrying in the background. The sink reports
			// a transient error until the first connection succeeds.
			client.Connect()

			mopts := []edgebox.MQTTSinkOption{edgebox.WithMQTTLogger(logger)}
			if opts.MQTTMaxPayload > 0 {
				mopts = append(mopts, edgebox.WithMQTTMaxPayload(opts.MQTTMaxPayload))
			}
			return edgebox.NewMQTTSink(client, opts.Topic, instanceID, mopts...), nil

		case config.SinkHTTP:
			hopts := []edgebox.HTTPSinkOption{edgebox.WithHTTPLogger(logger)}
			keys := make([]string, 0, len(opts.Headers))
			for k := range opts.Headers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				hopts = append(hopts, edgebox.WithHTTPHeader(k, opts.Headers[k]))
			}
			return edgebox.NewHTTPSink(opts.URL, instanceID, hopts...), nil

		case config.SinkNop:
			return edgebox.NewNopSink(), nil

		default:
			return nil, fmt.Errorf("unknown sink kind %q", opts.Kind)
		}
	}
}
