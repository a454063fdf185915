package loanbus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector records measurements as Prometheus vectors.
// The label set of a metric is fixed by the tags of its first measurement;
// later measurements with different tag keys are dropped.
type PrometheusMetricsCollector struct {
	namespace  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetricsCollector registers its vectors on registerer, which
// defaults to prometheus.DefaultRegisterer when nil.
func NewPrometheusMetricsCollector(namespace string, registerer prometheus.Registerer) *PrometheusMetricsCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetricsCollector{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (m *PrometheusMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name) + "_total",
			Help:      name,
		}, labelNames(tags))
		if err := m.registerer.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
	}
	m.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		c.Inc()
	}
}

func (m *PrometheusMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name) + "_seconds",
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(tags))
		if err := m.registerer.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = vec
	}
	m.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		h.Observe(duration.Seconds())
	}
}

func (m *PrometheusMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
			Help:      name,
		}, labelNames(tags))
		if err := m.registerer.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	if g, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		g.Set(value)
	}
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
