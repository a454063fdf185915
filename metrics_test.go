package loanbus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestPrometheusMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewPrometheusMetricsCollector("loanbus", registry)

	tags := map[string]string{"queue": "payments.allocate.v1", "outcome": "ack"}
	collector.IncrementCounter("consumer.messages", tags)
	collector.IncrementCounter("consumer.messages", tags)
	collector.RecordGauge("monitor.queue.ready", 7, map[string]string{"queue": "payments.allocate.v1"})
	collector.RecordDuration("consumer.handle", 20*time.Millisecond, map[string]string{"queue": "payments.allocate.v1"})

	// Different label keys than the first measurement are dropped.
	collector.IncrementCounter("consumer.messages", map[string]string{"queue": "x"})

	counter := collector.counters["consumer.messages"]
	require.NotNil(t, counter)
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.With(prometheus.Labels(tags))))

	gauge := collector.gauges["monitor.queue.ready"]
	require.NotNil(t, gauge)
	assert.Equal(t, 7.0, testutil.ToFloat64(gauge.With(prometheus.Labels{"queue": "payments.allocate.v1"})))

	count, err := testutil.GatherAndCount(registry, "loanbus_consumer_handle_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSanitizeMetricName(t *testing.T) {
	assert.Equal(t, "consumer_messages", sanitizeMetricName("consumer.messages"))
	assert.Equal(t, "relay_publish_failed", sanitizeMetricName("relay.publish-failed"))
}

func TestOpenTelemetryMetricsCollector_DoesNotPanic(t *testing.T) {
	collector := NewOpenTelemetryMetricsCollectorWithMeter(noop.NewMeterProvider().Meter("test"))

	assert.NotPanics(t, func() {
		collector.IncrementCounter("consumer.messages", map[string]string{"queue": "q"})
		collector.RecordDuration("consumer.handle", time.Second, nil)
		collector.RecordGauge("monitor.queue.ready", 3, nil)
	})
	assert.Len(t, collector.counters, 1)
	assert.Len(t, collector.histograms, 1)
	assert.Len(t, collector.gauges, 1)
}

func TestNopMetricsCollector(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNopMetricsCollector().IncrementCounter("x", nil)
	})
}
