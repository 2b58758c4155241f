package edgebox

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier exposes event headers as an OpenTelemetry TextMapCarrier so
// trace context can travel with an event from producer to sink.
type HeaderCarrier map[string]string

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

func (c HeaderCarrier) Get(key string) string {
	return c[key]
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys returns the header names in sorted order.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExtractTraceContext returns a copy of ctx carrying the trace context
// recorded in the headers of event.
func ExtractTraceContext(ctx context.Context, propagator propagation.TextMapPropagator, event Event) context.Context {
	if len(event.Headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, HeaderCarrier(event.Headers))
}
