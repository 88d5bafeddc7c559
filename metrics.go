package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/overtonx/outbox"

// NopMetricsCollector discards every measurement.
type NopMetricsCollector struct{}

func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

func (m *NopMetricsCollector) IncrementCounter(string, map[string]string) {}

func (m *NopMetricsCollector) RecordDuration(string, time.Duration, map[string]string) {}

func (m *NopMetricsCollector) RecordGauge(string, float64, map[string]string) {}

// OpenTelemetryMetricsCollector records relay and consumer metrics through an
// OpenTelemetry meter. Instruments are created lazily on first use and cached
// by name; workers share one collector, so the caches are guarded.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter(meterName))
}

func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		if counter, err = m.meter.Int64Counter(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	counter.Add(context.Background(), 1, metric.WithAttributes(attributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		var err error
		if histogram, err = m.meter.Float64Histogram(name, metric.WithUnit("s")); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = histogram
	}
	m.mu.Unlock()

	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attributes(tags)...))
}

// RecordGauge sets the current value; it is not a delta.
func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		if gauge, err = m.meter.Float64Gauge(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	gauge.Record(context.Background(), value, metric.WithAttributes(attributes(tags)...))
}

func attributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(tags))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, tags[k]))
	}
	return attrs
}
