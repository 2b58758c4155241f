package edgebox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NopMetricsCollector is a metrics collector that does nothing.
// It is used as a default when no other collector is provided.
type NopMetricsCollector struct{}

// NewNopMetricsCollector creates a new NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *NopMetricsCollector) IncrementCounter(name string, tags map[string]string) {}

// RecordDuration implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
}

// RecordGauge implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {}

// OpenTelemetryMetricsCollector records through an OpenTelemetry meter.
// Instruments are created on first use and cached by name; an instrument the
// meter refuses is skipped silently.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOpenTelemetryMetricsCollector uses the meter named "edgebox" of the
// global provider.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter("edgebox"))
}

// NewOpenTelemetryMetricsCollectorWithMeter creates a new OpenTelemetryMetricsCollector with a specific meter.
func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	counter, ok := instrument(&m.mu, m.counters, name, func(name string) (metric.Int64Counter, error) {
		return m.meter.Int64Counter(name, metric.WithDescription("Counter "+name+"."))
	})
	if ok {
		counter.Add(context.Background(), 1, metric.WithAttributes(tagAttributes(tags)...))
	}
}

// RecordDuration implements the MetricsCollector interface.
func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	histogram, ok := instrument(&m.mu, m.histograms, name, func(name string) (metric.Float64Histogram, error) {
		return m.meter.Float64Histogram(name, metric.WithUnit("s"), metric.WithDescription("Duration "+name+"."))
	})
	if ok {
		histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttributes(tags)...))
	}
}

// RecordGauge implements the MetricsCollector interface.
func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, ok := instrument(&m.mu, m.gauges, name, func(name string) (metric.Float64Gauge, error) {
		return m.meter.Float64Gauge(name, metric.WithDescription("Gauge "+name+"."))
	})
	if ok {
		gauge.Record(context.Background(), value, metric.WithAttributes(tagAttributes(tags)...))
	}
}

// instrument returns the cached instrument for name, creating it if needed.
func instrument[T any](mu *sync.Mutex, cache map[string]T, name string, create func(string) (T, error)) (T, bool) {
	mu.Lock()
	defer mu.Unlock()

	if inst, ok := cache[name]; ok {
		return inst, true
	}
	inst, err := create(name)
	if err != nil {
		return inst, false
	}
	cache[name] = inst
	return inst, true
}

// tagAttributes converts tags to attributes in key order.
func tagAttributes(tags map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, attribute.String(key, tags[key]))
	}
	return attrs
}

// PrometheusMetricsCollector registers one collector per metric name on a
// Prometheus registerer. Dotted names become underscored and are prefixed
// with the "edgebox" namespace; counters gain a "_total" suffix and
// durations a "_seconds" suffix. The label set of a metric is fixed by the
// tag keys of its first observation.
type PrometheusMetricsCollector struct {
	factory promauto.Factory

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetricsCollector creates a collector registering on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) *PrometheusMetricsCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetricsCollector{
		factory:    promauto.With(reg),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *PrometheusMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = m.factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgebox",
			Name:      promName(name) + "_total",
			Help:      "Counter " + name + ".",
		}, labelNames(tags))
		m.counters[name] = vec
	}
	m.mu.Unlock()

	if c, err := vec.GetMetricWith(tags); err == nil {
		c.Inc()
	}
}

// RecordDuration implements the MetricsCollector interface.
func (m *PrometheusMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = m.factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgebox",
			Name:      promName(name) + "_seconds",
			Help:      "Duration " + name + ".",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5,
				10, 30, 60, 300,
			},
		}, labelNames(tags))
		m.histograms[name] = vec
	}
	m.mu.Unlock()

	if h, err := vec.GetMetricWith(tags); err == nil {
		h.Observe(duration.Seconds())
	}
}

// RecordGauge implements the MetricsCollector interface.
func (m *PrometheusMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = m.factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgebox",
			Name:      promName(name),
			Help:      "Gauge " + name + ".",
		}, labelNames(tags))
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	if g, err := vec.GetMetricWith(tags); err == nil {
		g.Set(value)
	}
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
