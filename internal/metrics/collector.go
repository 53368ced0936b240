// Package metrics keeps process-wide counters for the relay and renders them
// in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the registry the bot records into.
var Default = NewRegistry()

// Registry holds named counters, gauges and histograms.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution of observations in cumulative buckets.
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter with the given name, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the gauge with the given name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// Histogram returns the histogram with the given name, creating it on first use.
func (r *Registry) Histogram(name, help string, bounds []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := make([]float64, 0, len(bounds))
	for _, b := range bounds {
		if !math.IsInf(b, 1) {
			sorted = append(sorted, b)
		}
	}
	sort.Float64s(sorted)
	h := &Histogram{name: name, help: help, bounds: sorted, buckets: make([]int64, len(sorted))}
	r.histograms[name] = h
	return h
}

// WriteText renders every metric in Prometheus text format, sorted by name.
func (r *Registry) WriteText(sb *strings.Builder) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintf(sb, "# HELP difybot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(sb, "# TYPE difybot_uptime_seconds gauge\n")
	fmt.Fprintf(sb, "difybot_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, c.help, name, name, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
		for i, le := range h.bounds {
			fmt.Fprintf(sb, "%s_bucket{le=\"%g\"} %d\n", name, le, h.buckets[i])
		}
		fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		fmt.Fprintf(sb, "%s_count %d\n%s_sum %f\n", name, h.count, name, h.sum)
		h.mu.Unlock()
	}
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		r.WriteText(&sb)
		fmt.Fprint(w, sb.String())
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Metrics recorded by the bot ---

var (
	ExchangesTotal     = Default.Counter("difybot_exchanges_total", "Agent exchanges started")
	ExchangeFailures   = Default.Counter("difybot_exchange_failures_total", "Agent exchanges that failed in transport")
	ProtocolViolations = Default.Counter("difybot_protocol_violations_total", "Terminal events with a malformed payload")
	NoReplyExchanges   = Default.Counter("difybot_no_reply_total", "Exchanges that ended without a reply to send")
	MessagesReceived   = Default.Counter("difybot_messages_received_total", "Inbound chat events accepted for relay")
	RepliesSent        = Default.Counter("difybot_replies_sent_total", "Replies delivered to chats")
	BroadcastPosts     = Default.Counter("difybot_broadcast_posts_total", "News posts delivered by the broadcaster")
	InFlight           = Default.Gauge("difybot_exchanges_in_flight", "Agent exchanges currently streaming")

	ExchangeLatency = Default.Histogram("difybot_exchange_latency_seconds", "Agent exchange latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)
