// Package telemetry keeps in-process HTTP and domain metrics and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/audit"
)

// durationBuckets are request duration bounds in seconds.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// histogram stores non-cumulative bucket counts; they are summed at export.
type histogram struct {
	mu      sync.Mutex
	buckets []int64
	count   int64
	sum     uint64 // math.Float64bits
}

func newHistogram() *histogram {
	return &histogram{buckets: make([]int64, len(durationBuckets))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range durationBuckets {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		out[i] = running
	}
	return out
}

type gaugeFunc struct {
	name, help string
	fn         func() float64
}

// Provider holds every metric the server exports.
type Provider struct {
	mu       sync.RWMutex
	requests map[string]*histogram // method|route|status
	events   map[string]*int64     // audit action
	gauges   []gaugeFunc

	active int64
}

func NewProvider() *Provider {
	return &Provider{
		requests: make(map[string]*histogram),
		events:   make(map[string]*int64),
	}
}

func requestKey(method, route string, status int) string {
	return method + "|" + route + "|" + strconv.Itoa(status)
}

func (p *Provider) requestHistogram(key string) *histogram {
	p.mu.RLock()
	h, ok := p.requests[key]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.requests[key]; !ok {
		h = newHistogram()
		p.requests[key] = h
	}
	return h
}

// CountEvent increments the counter for a domain action.
func (p *Provider) CountEvent(action string) {
	p.mu.RLock()
	c, ok := p.events[action]
	p.mu.RUnlock()
	if ok {
		atomic.AddInt64(c, 1)
		return
	}
	p.mu.Lock()
	if c, ok = p.events[action]; !ok {
		c = new(int64)
		p.events[action] = c
	}
	p.mu.Unlock()
	atomic.AddInt64(c, 1)
}

// EventCount returns the current value of an action counter.
func (p *Provider) EventCount(action string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.events[action]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// RequestCount returns how many requests matched method, route and status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	p.mu.RLock()
	h, ok := p.requests[requestKey(method, route, status)]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&h.count)
}

// GaugeFunc registers a gauge sampled at scrape time.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
}

// Recorder counts every audit entry by action before handing it to next.
func (p *Provider) Recorder(next audit.Recorder) audit.Recorder {
	return countingRecorder{p: p, next: next}
}

type countingRecorder struct {
	p    *Provider
	next audit.Recorder
}

func (r countingRecorder) Record(ctx context.Context, e audit.Entry) {
	r.p.CountEvent(e.Action)
	r.next.Record(ctx, e)
}

// Middleware records request duration keyed by method, route pattern and
// status code.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&p.active, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.requestHistogram(requestKey(c.Request().Method, route, status)).observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves GET /metrics.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, p.render())
	}
}

func (p *Provider) render() string {
	var b strings.Builder

	p.mu.RLock()
	reqKeys := sortedKeys(p.requests)
	evKeys := sortedKeys(p.events)
	gauges := append([]gaugeFunc(nil), p.gauges...)
	p.mu.RUnlock()

	b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for _, key := range reqKeys {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, "http_server_request_duration_seconds", labels, p.requestHistogram(key))
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&p.active))

	b.WriteString("# HELP telemed_events_total Domain events by audit action.\n")
	b.WriteString("# TYPE telemed_events_total counter\n")
	for _, action := range evKeys {
		fmt.Fprintf(&b, "telemed_events_total{action=%q} %d\n", action, p.EventCount(action))
	}
	b.WriteByte('\n')

	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n\n", g.name, g.help, g.name, g.name, g.fn())
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	for i, bound := range durationBuckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, bound, cum[i])
	}
	total := atomic.LoadInt64(&h.count)
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
