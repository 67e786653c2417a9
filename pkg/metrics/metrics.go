package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

var objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// Registry is a Collector backed by a private prometheus registry. Vectors
// are created on first use; the label names of that first call are fixed
// for the metric from then on.
type Registry struct {
	reg *prometheus.Registry

	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
}

var _ Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		reg:       prometheus.NewRegistry(),
		counters:  make(map[string]*prometheus.CounterVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
		summaries: make(map[string]*prometheus.SummaryVec),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// vec returns the vector registered under name, creating it with newVec.
func vec[V prometheus.Collector](r *Registry, m map[string]V, name string, newVec func() V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := m[name]; ok {
		return v, true
	}
	v := newVec()
	if err := r.reg.Register(v); err != nil {
		slog.Warn("metrics: register failed", "name", name, "error", err)
		var zero V
		return zero, false
	}
	m[name] = v
	return v, true
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		slog.Warn("metrics: negative counter delta", "name", name, "delta", delta)
		return
	}
	v, ok := vec(r, r.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
	})
	if !ok {
		return
	}
	c, err := v.GetMetricWith(labels)
	if err != nil {
		slog.Warn("metrics: bad labels", "name", name, "error", err)
		return
	}
	c.Add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	v, ok := vec(r, r.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
	})
	if !ok {
		return
	}
	g, err := v.GetMetricWith(labels)
	if err != nil {
		slog.Warn("metrics: bad labels", "name", name, "error", err)
		return
	}
	g.Set(value)
}

// ObserveHistogram records into a summary with fixed quantile objectives.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	v, ok := vec(r, r.summaries, name, func() *prometheus.SummaryVec {
		return prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: name, Help: name, Objectives: objectives}, labelNames(labels))
	})
	if !ok {
		return
	}
	o, err := v.GetMetricWith(labels)
	if err != nil {
		slog.Warn("metrics: bad labels", "name", name, "error", err)
		return
	}
	o.Observe(value)
}
