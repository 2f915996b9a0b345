// Package metrics is a small in-process registry exposing counters and
// histograms in Prometheus text format. It avoids a client library
// dependency for the handful of series this service emits.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

type metricKind int

const (
	kindCounter metricKind = iota
	kindHistogram
)

type descriptor struct {
	name    string
	help    string
	kind    metricKind
	buckets []float64
}

type counterSeries struct {
	labels map[string]string
	value  uint64
}

type histogramSeries struct {
	labels       map[string]string
	count        uint64
	sum          float64
	bucketCounts []uint64
}

type Registry struct {
	mu         sync.RWMutex
	descs      map[string]descriptor
	counters   map[string]map[string]*counterSeries
	histograms map[string]map[string]*histogramSeries
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func NewRegistry() *Registry {
	r := &Registry{
		descs:      make(map[string]descriptor),
		counters:   make(map[string]map[string]*counterSeries),
		histograms: make(map[string]map[string]*histogramSeries),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	opLatency := []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}
	r.RegisterCounter("vdi_provider_operations_total", "Provider API operation attempts by op, region, and status.")
	r.RegisterHistogram("vdi_provider_operation_latency_ms", "Provider API operation latency in milliseconds.", opLatency)
	r.RegisterCounter("vdi_provider_retries_total", "Provider API retries by op, region, and error code.")
	r.RegisterCounter("vdi_provider_retry_exhausted_total", "Provider API operations that exhausted retries.")
	r.RegisterCounter("vdi_connects_total", "Connect attempts by connection type and status.")
	r.RegisterHistogram("vdi_connect_latency_ms", "End-to-end Connect latency in milliseconds.", opLatency)
	r.RegisterCounter("vdi_disconnects_total", "Session closes by end reason.")
	r.RegisterCounter("vdi_grants_total", "Tunnel grant issue/revoke calls by op and status.")
	r.RegisterCounter("vdi_reconcile_refreshes_total", "Desktop state refreshes by result.")
	r.RegisterCounter("vdi_state_transitions_total", "Persisted desktop state transitions by from and to state.")
	r.RegisterCounter("vdi_idle_sweep_actions_total", "Idle sweep actions by action and status.")
	r.RegisterCounter("vdi_job_runs_total", "Background job runs by job and status.")
	r.RegisterHistogram("vdi_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000})
}

func (r *Registry) RegisterCounter(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = descriptor{name: name, help: help, kind: kindCounter}
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = descriptor{name: name, help: help, kind: kindHistogram, buckets: cp}
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.descs[name]
	if !ok || desc.kind != kindCounter {
		return
	}
	seriesMap := r.counters[name]
	if seriesMap == nil {
		seriesMap = make(map[string]*counterSeries)
		r.counters[name] = seriesMap
	}
	key := labelsKey(labels)
	series := seriesMap[key]
	if series == nil {
		series = &counterSeries{labels: cloneLabels(labels)}
		seriesMap[key] = series
	}
	series.value++
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.descs[name]
	if !ok || desc.kind != kindHistogram {
		return
	}
	seriesMap := r.histograms[name]
	if seriesMap == nil {
		seriesMap = make(map[string]*histogramSeries)
		r.histograms[name] = seriesMap
	}
	key := labelsKey(labels)
	series := seriesMap[key]
	if series == nil {
		series = &histogramSeries{
			labels:       cloneLabels(labels),
			bucketCounts: make([]uint64, len(desc.buckets)+1),
		}
		seriesMap[key] = series
	}
	series.count++
	series.sum += value
	idx := len(desc.buckets)
	for i, upper := range desc.buckets {
		if value <= upper {
			idx = i
			break
		}
	}
	series.bucketCounts[idx]++
}

// CounterValue reads a counter series, for tests.
func (r *Registry) CounterValue(name string, labels map[string]string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seriesMap := r.counters[name]
	if seriesMap == nil {
		return 0
	}
	series := seriesMap[labelsKey(labels)]
	if series == nil {
		return 0
	}
	return series.value
}

// HistogramCount reads a histogram series' observation count, for tests.
func (r *Registry) HistogramCount(name string, labels map[string]string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seriesMap := r.histograms[name]
	if seriesMap == nil {
		return 0
	}
	series := seriesMap[labelsKey(labels)]
	if series == nil {
		return 0
	}
	return series.count
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.render()))
	})
}

func (r *Registry) render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		desc := r.descs[name]
		switch desc.kind {
		case kindCounter:
			fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, desc.help, name)
			for _, series := range sortedCounterSeries(r.counters[name]) {
				fmt.Fprintf(&b, "%s%s %d\n", name, renderLabels(series.labels), series.value)
			}
		case kindHistogram:
			fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", name, desc.help, name)
			for _, series := range sortedHistogramSeries(r.histograms[name]) {
				cumulative := uint64(0)
				for i, upper := range desc.buckets {
					cumulative += series.bucketCounts[i]
					fmt.Fprintf(&b, "%s_bucket%s %d\n", name, renderLabels(withLE(series.labels, fmt.Sprintf("%g", upper))), cumulative)
				}
				cumulative += series.bucketCounts[len(desc.buckets)]
				fmt.Fprintf(&b, "%s_bucket%s %d\n", name, renderLabels(withLE(series.labels, "+Inf")), cumulative)
				fmt.Fprintf(&b, "%s_sum%s %g\n", name, renderLabels(series.labels), series.sum)
				fmt.Fprintf(&b, "%s_count%s %d\n", name, renderLabels(series.labels), series.count)
			}
		}
	}
	return b.String()
}

func sortedCounterSeries(m map[string]*counterSeries) []*counterSeries {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*counterSeries, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func sortedHistogramSeries(m map[string]*histogramSeries) []*histogramSeries {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*histogramSeries, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func withLE(labels map[string]string, le string) map[string]string {
	out := cloneLabels(labels)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out["le"] = le
	return out
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(';')
	}
	return b.String()
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
