// Package metrics provides a small Prometheus-compatible metrics collector
// for the relay. It renders the text exposition format without pulling in
// prometheus/client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics registry.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters and histograms.
type MetricsCollector struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
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

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

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

// Observe records a value in the histogram.
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

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// CounterVec is a family of counters sharing a name and a single label key.
type CounterVec struct {
	c     *MetricsCollector
	name  string
	help  string
	label string
}

// With returns the counter for the given label value, creating it on first use.
func (v *CounterVec) With(value string) *Counter {
	return v.c.Counter(v.name, v.help, fmt.Sprintf("%s=%q", v.label, value))
}

// Counter returns or creates a counter with the given name and rendered labels.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	c.counters[key] = ctr
	return ctr
}

// CounterVec declares a labelled counter family.
func (c *MetricsCollector) CounterVec(name, help, label string) *CounterVec {
	return &CounterVec{c: c, name: name, help: help, label: label}
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[key]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	c.histograms[key] = h
	return h
}

// Handler renders every metric in Prometheus text format, sorted by name.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// Render returns the exposition text.
func (c *MetricsCollector) Render() string {
	c.mu.Lock()
	counters := make([]*Counter, 0, len(c.counters))
	for _, ctr := range c.counters {
		counters = append(counters, ctr)
	}
	histograms := make([]*Histogram, 0, len(c.histograms))
	for _, h := range c.histograms {
		histograms = append(histograms, h)
	}
	c.mu.Unlock()

	sort.Slice(counters, func(i, j int) bool {
		if counters[i].name != counters[j].name {
			return counters[i].name < counters[j].name
		}
		return counters[i].labels < counters[j].labels
	})
	sort.Slice(histograms, func(i, j int) bool { return histograms[i].name < histograms[j].name })

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP pagerelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE pagerelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "pagerelay_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	last := ""
	for _, ctr := range counters {
		if ctr.name != last {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			last = ctr.name
		}
		if ctr.labels != "" {
			fmt.Fprintf(&sb, "%s{%s} %d\n", ctr.name, ctr.labels, ctr.Value())
		} else {
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
		}
	}

	for _, h := range histograms {
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			fmt.Fprintf(&sb, "%sle=\"%g\"} %d\n", prefix, b.le, b.count)
		}
		fmt.Fprintf(&sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, labelPrefix(h.labels), h.count)
		fmt.Fprintf(&sb, "%s_count%s %d\n", h.name, braces(h.labels), h.count)
		fmt.Fprintf(&sb, "%s_sum%s %f\n", h.name, braces(h.labels), h.sum)
		h.mu.Unlock()
	}

	return sb.String()
}

func labelPrefix(labels string) string {
	if labels == "" {
		return ""
	}
	return labels + ","
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// --- Metrics used across the relay ---

var (
	DeliveriesTotal   = Collector.Counter("pagerelay_deliveries_total", "Webhook deliveries accepted after signature check", "")
	AuthFailures      = Collector.Counter("pagerelay_auth_failures_total", "Webhook deliveries rejected for a bad signature", "")
	HandshakeFailures = Collector.Counter("pagerelay_handshake_failures_total", "Rejected verification handshakes", "")
	MalformedPayloads = Collector.Counter("pagerelay_malformed_payloads_total", "Deliveries whose body could not be parsed", "")
	EventsTotal       = Collector.CounterVec("pagerelay_events_total", "Events processed by outcome", "outcome")
	RateLimited       = Collector.Counter("pagerelay_rate_limited_total", "Events denied by the per-sender rate limit", "")
	StoreFaults       = Collector.Counter("pagerelay_ratelimit_store_faults_total", "Rate-limit store errors (event admitted)", "")
	AIAttempts        = Collector.Counter("pagerelay_ai_attempts_total", "Inference endpoint attempts", "")
	AIFailedAttempts  = Collector.Counter("pagerelay_ai_failed_attempts_total", "Inference endpoint attempts that failed", "")
	AIExhausted       = Collector.Counter("pagerelay_ai_exhausted_total", "Replies that fell back to the error template", "")
	DeliveryFailures  = Collector.Counter("pagerelay_delivery_failures_total", "Outbound platform sends that failed", "")

	AILatency = Collector.Histogram("pagerelay_ai_latency_seconds", "Inference attempt latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 25, 60})
)
