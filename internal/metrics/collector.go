// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for dialogbot. It outputs text/plain in Prometheus exposition
// format without requiring the prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map // name{labels} -> *Gauge
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func key(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates a counter.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	k := key(name, labels)
	if v, ok := c.counters.Load(k); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(k, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	k := key(name, labels)
	if v, ok := c.gauges.Load(k); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(k, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram. Buckets are only used on creation.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	k := key(name, labels)
	if v, ok := c.histograms.Load(k); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(k, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// sortedKeys returns the keys of m in order so the output is stable between
// scrapes.
func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Render writes all metrics in Prometheus text format.
func (c *MetricsCollector) Render(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP dialogbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE dialogbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "dialogbot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, k := range sortedKeys(&c.counters) {
		v, _ := c.counters.Load(k)
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
			helpWritten[ctr.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	for _, k := range sortedKeys(&c.gauges) {
		v, _ := c.gauges.Load(k)
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	for _, k := range sortedKeys(&c.histograms) {
		v, _ := c.histograms.Load(k)
		h := v.(*Histogram)
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			helpWritten[h.name] = true
		}
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// Handler renders the collector for Prometheus scrapes.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = c.Render(w)
	}
}

// --- Pre-defined metrics used across the application ---

var stageBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

var (
	TurnsTotal         = Collector.Counter("dialogbot_turns_total", "Total chat turns processed", "")
	TurnFailures       = Collector.Counter("dialogbot_turn_failures_total", "Turns that fell back to an empty response", "")
	TopicsStarted      = Collector.Counter("dialogbot_topics_started_total", "Topics started by the router", "")
	DialogErrors       = Collector.Counter("dialogbot_dialog_errors_total", "Turns answered by a dialog error reply", "")
	MessageLogFailures = Collector.Counter("dialogbot_message_log_failures_total", "Failed message log writes", "")
	ActiveTurns        = Collector.Gauge("dialogbot_active_turns", "Turns currently being processed", "")
	ActiveConnections  = Collector.Gauge("dialogbot_websocket_connections", "Current WebSocket connections", "")

	TurnLatency = Collector.Histogram("dialogbot_turn_latency_seconds", "Chat turn latency in seconds", "",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10})
)

// StageErrors returns the error counter for a pipeline stage.
func StageErrors(stage string) *Counter {
	return Collector.Counter("dialogbot_stage_errors_total", "Pipeline stage failures", fmt.Sprintf("stage=%q", stage))
}

// StageLatency returns the latency histogram for a pipeline stage.
func StageLatency(stage string) *Histogram {
	return Collector.Histogram("dialogbot_stage_latency_seconds", "Pipeline stage latency in seconds",
		fmt.Sprintf("stage=%q", stage), stageBuckets)
}
