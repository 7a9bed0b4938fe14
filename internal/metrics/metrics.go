// Package metrics exposes process metrics through a Prometheus registry. The
// helper functions create collectors on first use so call sites only name the
// metric and its labels.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Namespace prefixes every metric name.
const Namespace = "lifeline"

// Sample is the current value of one counter or gauge series.
type Sample struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// TimerSample summarizes one histogram series in milliseconds.
type TimerSample struct {
	Count   uint64  `json:"count"`
	SumMs   float64 `json:"sum_ms"`
	Average float64 `json:"avg_ms"`
}

// Snapshot is a JSON-friendly view of the registry.
type Snapshot struct {
	Counters map[string]Sample      `json:"counters"`
	Gauges   map[string]Sample      `json:"gauges"`
	Timers   map[string]TimerSample `json:"timers"`
	UptimeMs int64                  `json:"uptime_ms"`
}

// Registry owns a Prometheus registry and the vectors created through it.
type Registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	startTime  time.Time
}

// NewRegistry creates an empty registry with Go runtime collectors attached.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		startTime:  time.Now(),
	}
}

var globalRegistry = NewRegistry()

// GetRegistry returns the process-wide registry.
func GetRegistry() *Registry {
	return globalRegistry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// IncrementCounter increments a counter metric
func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.AddToCounter(name, 1, labels, description)
}

// AddToCounter adds a non-negative value to a counter metric
func (r *Registry) AddToCounter(name string, value float64, labels map[string]string, description string) {
	if value < 0 {
		return
	}
	vec := r.counterVec(name, labels, description)
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Add(value)
	}
}

// SetGauge sets a gauge metric value
func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	vec := r.gaugeVec(name, labels, description)
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// AddToGauge moves a gauge by delta
func (r *Registry) AddToGauge(name string, delta float64, labels map[string]string, description string) {
	vec := r.gaugeVec(name, labels, description)
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Add(delta)
	}
}

// RecordTimer observes a duration in seconds
func (r *Registry) RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	vec := r.histogramVec(name, labels, description)
	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(duration.Seconds())
	}
}

func (r *Registry) counterVec(name string, labels map[string]string, help string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Name: name, Help: helpText(name, help),
	}, r.keysFor(labels))
	r.counters[name] = vec
	r.reg.MustRegister(vec)
	return vec
}

func (r *Registry) gaugeVec(name string, labels map[string]string, help string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace, Name: name, Help: helpText(name, help),
	}, r.keysFor(labels))
	r.gauges[name] = vec
	r.reg.MustRegister(vec)
	return vec
}

func (r *Registry) histogramVec(name string, labels map[string]string, help string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Name: name + "_seconds", Help: helpText(name, help),
		Buckets: prometheus.DefBuckets,
	}, r.keysFor(labels))
	r.histograms[name] = vec
	r.reg.MustRegister(vec)
	return vec
}

// keysFor fixes the label names of a metric on first use. Later calls with a
// different label set fail GetMetricWith and are dropped.
func (r *Registry) keysFor(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func helpText(name, help string) string {
	if help == "" {
		return name
	}
	return help
}

// GetAllMetrics gathers the registry into a Snapshot. Series keys are the
// metric name followed by its sorted labels, e.g. queue_operations_total_kind:ack.
func (r *Registry) GetAllMetrics() Snapshot {
	snap := Snapshot{
		Counters: make(map[string]Sample),
		Gauges:   make(map[string]Sample),
		Timers:   make(map[string]TimerSample),
		UptimeMs: time.Since(r.startTime).Milliseconds(),
	}

	families, err := r.reg.Gather()
	if err != nil {
		return snap
	}
	prefix := Namespace + "_"
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		name := strings.TrimPrefix(mf.GetName(), prefix)
		for _, m := range mf.GetMetric() {
			labels := labelMap(m.GetLabel())
			key := seriesKey(name, labels)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				snap.Counters[key] = Sample{Name: name, Value: m.GetCounter().GetValue(), Labels: labels}
			case dto.MetricType_GAUGE:
				snap.Gauges[key] = Sample{Name: name, Value: m.GetGauge().GetValue(), Labels: labels}
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				ts := TimerSample{Count: h.GetSampleCount(), SumMs: h.GetSampleSum() * 1000}
				if ts.Count > 0 {
					ts.Average = ts.SumMs / float64(ts.Count)
				}
				key = seriesKey(strings.TrimSuffix(name, "_seconds"), labels)
				snap.Timers[key] = ts
			}
		}
	}
	return snap
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("_")
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(labels[k])
	}
	return b.String()
}

// Convenience functions for global registry

// IncrementCounter increments a counter in the global registry
func IncrementCounter(name string, labels map[string]string, description string) {
	globalRegistry.IncrementCounter(name, labels, description)
}

// AddToCounter adds to a counter in the global registry
func AddToCounter(name string, value float64, labels map[string]string, description string) {
	globalRegistry.AddToCounter(name, value, labels, description)
}

// RecordTimer records timing in the global registry
func RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	globalRegistry.RecordTimer(name, duration, labels, description)
}

// SetGauge sets a gauge in the global registry
func SetGauge(name string, value float64, labels map[string]string, description string) {
	globalRegistry.SetGauge(name, value, labels, description)
}

// AddToGauge moves a gauge in the global registry
func AddToGauge(name string, delta float64, labels map[string]string, description string) {
	globalRegistry.AddToGauge(name, delta, labels, description)
}

// GetAllMetrics returns all metrics from the global registry
func GetAllMetrics() Snapshot {
	return globalRegistry.GetAllMetrics()
}

// Handler serves the global registry.
func Handler() http.Handler {
	return globalRegistry.Handler()
}
