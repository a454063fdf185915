package loanbus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/overtonx/loanbus/embedded"
)

var (
	_ embedded.MetricsCollector = (*NopMetricsCollector)(nil)
	_ embedded.MetricsCollector = (*OpenTelemetryMetricsCollector)(nil)
	_ embedded.MetricsCollector = (*PrometheusMetricsCollector)(nil)
)

// NopMetricsCollector discards every measurement.
type NopMetricsCollector struct {
	embedded.NopMetrics
}

// NewNopMetricsCollector creates a NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

// OpenTelemetryMetricsCollector records measurements through an OpenTelemetry meter.
// Instruments are created lazily and cached by name.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOpenTelemetryMetricsCollector uses the global meter provider.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter("loanbus"))
}

// NewOpenTelemetryMetricsCollectorWithMeter uses the given meter.
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
		counter, err = m.meter.Int64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	counter.Add(context.Background(), 1, metric.WithAttributes(toAttributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		var err error
		histogram, err = m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = histogram
	}
	m.mu.Unlock()

	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(toAttributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		gauge, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	gauge.Record(context.Background(), value, metric.WithAttributes(toAttributes(tags)...))
}

func toAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
