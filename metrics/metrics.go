// Package metrics wraps Prometheus behind a name-based facade so that
// instrumented code never touches collector types directly. Metrics
// are registered once, looked up by name, and recording against an
// unknown name is a logged no-op rather than a panic.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drivelinehq/driveline/common"
)

// Registry owns a private Prometheus registry plus name-indexed
// collector maps. A private registry keeps parallel test runs and
// embedded binaries from fighting over prometheus.DefaultRegisterer.
type Registry struct {
	reg    *prometheus.Registry
	logger *common.ContextLogger

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	missing    map[string]bool
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		logger:     common.ServiceLogger("metrics"),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		missing:    make(map[string]bool),
	}
}

// RegisterCounter registers a counter vector under name. Registering
// the same name twice returns the first registration's error from
// Prometheus.
func (r *Registry) RegisterCounter(name, help string, labels ...string) error {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(c); err != nil {
		return err
	}
	r.mu.Lock()
	r.counters[name] = c
	r.mu.Unlock()
	return nil
}

// RegisterGauge registers a gauge vector under name.
func (r *Registry) RegisterGauge(name, help string, labels ...string) error {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(g); err != nil {
		return err
	}
	r.mu.Lock()
	r.gauges[name] = g
	r.mu.Unlock()
	return nil
}

// RegisterHistogram registers a histogram vector under name. A nil
// buckets slice uses prometheus.DefBuckets.
func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) error {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	if err := r.reg.Register(h); err != nil {
		return err
	}
	r.mu.Lock()
	r.histograms[name] = h
	r.mu.Unlock()
	return nil
}

// warnUnknown logs once per unknown metric name so a typo shows up in
// the logs without flooding them.
func (r *Registry) warnUnknown(kind, name string) {
	r.mu.Lock()
	seen := r.missing[kind+":"+name]
	r.missing[kind+":"+name] = true
	r.mu.Unlock()
	if !seen {
		r.logger.WithField("metric", name).WithField("kind", kind).
			Warn("recording against unregistered metric")
	}
}

// Increment adds one to a counter.
func (r *Registry) Increment(name string, labels prometheus.Labels) {
	r.Add(name, 1, labels)
}

// Add adds v to a counter.
func (r *Registry) Add(name string, v float64, labels prometheus.Labels) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.warnUnknown("counter", name)
		return
	}
	c.With(labels).Add(v)
}

// SetGauge sets a gauge to v.
func (r *Registry) SetGauge(name string, v float64, labels prometheus.Labels) {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		r.warnUnknown("gauge", name)
		return
	}
	g.With(labels).Set(v)
}

// AddGauge adds delta (which may be negative) to a gauge.
func (r *Registry) AddGauge(name string, delta float64, labels prometheus.Labels) {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		r.warnUnknown("gauge", name)
		return
	}
	g.With(labels).Add(delta)
}

// Observe records v into a histogram.
func (r *Registry) Observe(name string, v float64, labels prometheus.Labels) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		r.warnUnknown("histogram", name)
		return
	}
	h.With(labels).Observe(v)
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// InProgressTracker mirrors a count of currently running operations
// into a gauge. Done clamps at zero so a double-complete can never
// drive the gauge negative.
type InProgressTracker struct {
	mu     sync.Mutex
	counts map[string]int
	reg    *Registry
	gauge  string
}

// NewInProgressTracker creates a tracker backed by the named gauge,
// which must carry exactly one label: operation.
func NewInProgressTracker(reg *Registry, gaugeName string) *InProgressTracker {
	return &InProgressTracker{
		counts: make(map[string]int),
		reg:    reg,
		gauge:  gaugeName,
	}
}

// Start records that one more operation is in flight.
func (t *InProgressTracker) Start(operation string) {
	t.mu.Lock()
	t.counts[operation]++
	n := t.counts[operation]
	t.mu.Unlock()
	t.reg.SetGauge(t.gauge, float64(n), prometheus.Labels{"operation": operation})
}

// Done records that one operation finished. Extra Done calls are
// swallowed at the zero floor.
func (t *InProgressTracker) Done(operation string) {
	t.mu.Lock()
	if t.counts[operation] > 0 {
		t.counts[operation]--
	}
	n := t.counts[operation]
	t.mu.Unlock()
	t.reg.SetGauge(t.gauge, float64(n), prometheus.Labels{"operation": operation})
}

// Count reports the current in-flight count for an operation.
func (t *InProgressTracker) Count(operation string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[operation]
}

// Timed runs fn and returns its error together with the elapsed time.
func Timed(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}
