// Package embedded holds the small interfaces shared by every loanbus package
// so that implementations can live in the root package without import cycles.
package embedded

import (
	"context"
	"time"
)

// MetricsCollector records counters, durations and gauges.
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Worker is a long-running component managed by the dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// NopMetrics is used by packages when no collector was configured.
type NopMetrics struct{}

func (NopMetrics) IncrementCounter(string, map[string]string) {}
func (NopMetrics) RecordDuration(string, time.Duration, map[string]string) {}
func (NopMetrics) RecordGauge(string, float64, map[string]string) {}
