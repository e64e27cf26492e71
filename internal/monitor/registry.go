// Package monitor records pipeline metrics and sends high-risk notifications.
package monitor

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are the latency histogram bounds in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Registry holds metric families. Counters are atomic and histograms are
// mutex-guarded; all methods are safe for concurrent use. After Shutdown,
// updates are dropped while exposition keeps working.
type Registry struct {
	prefix  string
	buckets []float64
	start   time.Time

	mu       sync.RWMutex
	families []family
	closed   atomic.Bool
}

type family interface {
	write(w io.Writer, prefix string) error
}

// NewRegistry creates a Registry whose series are named "<prefix>_<name>".
// Buckets are sorted; nil buckets use DefaultBuckets.
func NewRegistry(prefix string, buckets []float64) *Registry {
	if prefix == "" {
		prefix = "risk_pipeline"
	}
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	b := append([]float64{}, buckets...)
	sort.Float64s(b)
	return &Registry{prefix: prefix, buckets: b, start: time.Now()}
}

// Prefix returns the series name prefix.
func (r *Registry) Prefix() string {
	return r.prefix
}

// Buckets returns a copy of the histogram bounds.
func (r *Registry) Buckets() []float64 {
	return append([]float64{}, r.buckets...)
}

// Shutdown stops accepting updates. It is idempotent.
func (r *Registry) Shutdown() {
	r.closed.Store(true)
}

// Closed reports whether Shutdown was called.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

// Uptime returns the time since the registry was created.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.start)
}

// CounterVec is a counter family with one label.
type CounterVec struct {
	reg    *Registry
	name   string
	help   string
	label  string
	mu     sync.RWMutex
	values map[string]*atomic.Uint64
}

// NewCounterVec registers a counter family.
func (r *Registry) NewCounterVec(name, help, label string) *CounterVec {
	c := &CounterVec{reg: r, name: name, help: help, label: label, values: make(map[string]*atomic.Uint64)}
	r.mu.Lock()
	r.families = append(r.families, c)
	r.mu.Unlock()
	return c
}

func (c *CounterVec) counter(value string) *atomic.Uint64 {
	c.mu.RLock()
	v, ok := c.values[value]
	c.mu.RUnlock()
	if ok {
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.values[value]; ok {
		return v
	}
	v = new(atomic.Uint64)
	c.values[value] = v
	return v
}

// Inc adds one to the series labelled value.
func (c *CounterVec) Inc(value string) {
	if c.reg.Closed() {
		return
	}
	c.counter(value).Add(1)
}

// Get returns the current count for value.
func (c *CounterVec) Get(value string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[value]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot returns every series value.
func (c *CounterVec) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v.Load()
	}
	return out
}

func (c *CounterVec) write(w io.Writer, prefix string) error {
	snap := c.Snapshot()
	full := prefix + "_" + c.name
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", full, c.help, full); err != nil {
		return err
	}
	for _, k := range sortedKeys(snap) {
		if _, err := fmt.Fprintf(w, "%s{%s=%q} %d\n", full, c.label, k, snap[k]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// HistogramVec is a histogram family with one label.
type HistogramVec struct {
	reg    *Registry
	name   string
	help   string
	label  string
	mu     sync.Mutex
	series map[string]*histogram
}

type histogram struct {
	counts []uint64 // per bucket, not cumulative
	sum    float64
	count  uint64
}

// HistogramSnapshot is the state of one histogram series.
type HistogramSnapshot struct {
	Buckets    []float64
	Cumulative []uint64
	Sum        float64
	Count      uint64
}

// NewHistogramVec registers a histogram family using the registry buckets.
func (r *Registry) NewHistogramVec(name, help, label string) *HistogramVec {
	h := &HistogramVec{reg: r, name: name, help: help, label: label, series: make(map[string]*histogram)}
	r.mu.Lock()
	r.families = append(r.families, h)
	r.mu.Unlock()
	return h
}

// Observe records v for the series labelled value.
func (h *HistogramVec) Observe(value string, v float64) {
	if h.reg.Closed() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.series[value]
	if !ok {
		s = &histogram{counts: make([]uint64, len(h.reg.buckets))}
		h.series[value] = s
	}
	for i, b := range h.reg.buckets {
		if v <= b {
			s.counts[i]++
			break
		}
	}
	s.sum += v
	s.count++
}

// Snapshot returns the cumulative state of the series labelled value.
func (h *HistogramVec) Snapshot(value string) HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(h.series[value])
}

func (h *HistogramVec) snapshotLocked(s *histogram) HistogramSnapshot {
	snap := HistogramSnapshot{
		Buckets:    append([]float64{}, h.reg.buckets...),
		Cumulative: make([]uint64, len(h.reg.buckets)),
	}
	if s == nil {
		return snap
	}
	var acc uint64
	for i, c := range s.counts {
		acc += c
		snap.Cumulative[i] = acc
	}
	snap.Sum = s.sum
	snap.Count = s.count
	return snap
}

func (h *HistogramVec) write(w io.Writer, prefix string) error {
	h.mu.Lock()
	snaps := make(map[string]HistogramSnapshot, len(h.series))
	for k, s := range h.series {
		snaps[k] = h.snapshotLocked(s)
	}
	h.mu.Unlock()

	full := prefix + "_" + h.name
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", full, h.help, full); err != nil {
		return err
	}
	for _, k := range sortedKeys(snaps) {
		s := snaps[k]
		for i, b := range s.Buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket{%s=%q,le=%q} %d\n", full, h.label, k, formatFloat(b), s.Cumulative[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket{%s=%q,le=\"+Inf\"} %d\n", full, h.label, k, s.Count); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum{%s=%q} %s\n", full, h.label, k, formatFloat(s.Sum)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count{%s=%q} %d\n", full, h.label, k, s.Count); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// WritePrometheus writes every family in text exposition format, followed
// by the uptime gauge.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	families := append([]family{}, r.families...)
	r.mu.RUnlock()

	for _, f := range families {
		if err := f.write(w, r.prefix); err != nil {
			return err
		}
	}

	full := r.prefix + "_uptime_seconds"
	_, err := fmt.Fprintf(w, "# HELP %s Uptime in seconds\n# TYPE %s gauge\n%s %d\n",
		full, full, full, int64(r.Uptime().Seconds()))
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
