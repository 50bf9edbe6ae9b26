package obs

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// PromMeter bridges Meter to a prometheus registerer. A metric family is
// created on first use and the label keys of that first call fix its
// label set; later measurements with other keys are dropped and logged.
type PromMeter struct {
	reg     prometheus.Registerer
	buckets []float64
	logger  *zap.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMeter registers families on reg. A nil reg uses the default
// registerer; nil buckets use prometheus.DefBuckets.
func NewPromMeter(reg prometheus.Registerer, buckets []float64, logger *zap.Logger) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromMeter{
		reg:        reg,
		buckets:    buckets,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	if value < 0 {
		m.logger.Debug("dropping negative counter increment", zap.String("metric", name))
		return
	}
	keys, values := split(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
		vec = register(m.reg, vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		m.logger.Debug("dropping counter", zap.String("metric", name), zap.Error(err))
		return
	}
	c.Add(value)
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, values := split(labels)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: m.buckets}, keys)
		vec = register(m.reg, vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	h, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		m.logger.Debug("dropping observation", zap.String("metric", name), zap.Error(err))
		return
	}
	h.Observe(value)
}

// register returns the collector already registered under the same
// descriptor when there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func split(labels []Label) (keys, values []string) {
	sorted := append([]Label(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	keys = make([]string, len(sorted))
	values = make([]string, len(sorted))
	for i, l := range sorted {
		keys[i], values[i] = l.Key, l.Value
	}
	return keys, values
}
