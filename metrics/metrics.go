// Package metrics implements the Metrics + Logging Sink's metrics half of
// spec.md §4.H: request/duration/cache counters and a plain-text exporter.
//
// Grounded on spec.md §4.H directly: no histogram/counter library appears
// in the teacher's go.mod or in any other example repo's go.mod scanned
// for this spec (see DESIGN.md's standard-library justification). This is
// the one ambient component with no ecosystem library to reach for in the
// retrieved corpus, so it is built on stdlib `sync/atomic` counters and a
// hand-rolled fixed-bucket histogram, exported through the stdlib
// `net/http` plain-text handler spec.md §4.H calls for.
package metrics

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// defaultBuckets are the histogram bucket upper bounds, in seconds, for
// request duration, chosen to cover sub-millisecond handlers through
// multi-second slow requests.
var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram is a fixed-bucket cumulative histogram, guarded by a mutex
// since observations are far less frequent than the hot request path's
// atomic counter increments.
type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets)+1)}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}

	h.counts[len(h.buckets)]++
}

func (h *histogram) snapshot() (buckets []float64, counts []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]float64{}, h.buckets...), append([]uint64{}, h.counts...), h.sum, h.count
}

// statusClassCounters counts requests labelled by method and status class
// ("2xx".."5xx"), per spec.md §4.H.
type statusClassCounters struct {
	mu     sync.Mutex
	counts map[string]uint64 // "METHOD:class" -> count
}

func newStatusClassCounters() *statusClassCounters {
	return &statusClassCounters{counts: map[string]uint64{}}
}

func (c *statusClassCounters) inc(method string, status int) {
	class := fmt.Sprintf("%dxx", status/100)
	key := method + ":" + class

	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
}

func (c *statusClassCounters) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}

	return out
}

// Registry is the process-wide metrics sink of spec.md §4.H.
type Registry struct {
	startTime time.Time

	requests  *statusClassCounters
	duration  *histogram
	cacheHits atomic.Uint64
	cacheMiss atomic.Uint64
	slow      atomic.Uint64

	// SlowRequestThreshold is the duration above which a request
	// increments the slow-request counter.
	SlowRequestThreshold time.Duration
}

// NewRegistry returns a new Registry with the default slow-request
// threshold of one second.
func NewRegistry() *Registry {
	return &Registry{
		startTime:            time.Now(),
		requests:             newStatusClassCounters(),
		duration:             newHistogram(defaultBuckets),
		SlowRequestThreshold: time.Second,
	}
}

// ObserveRequest records one completed request's method, status, and
// duration, per spec.md §4.H's "total requests" and "request duration
// seconds" metrics.
func (r *Registry) ObserveRequest(method string, status int, d time.Duration) {
	r.requests.inc(method, status)
	r.duration.observe(d.Seconds())

	if r.SlowRequestThreshold > 0 && d > r.SlowRequestThreshold {
		r.slow.Add(1)
	}
}

// CacheHit and CacheMiss record static-file cache outcomes.
func (r *Registry) CacheHit()  { r.cacheHits.Add(1) }
func (r *Registry) CacheMiss() { r.cacheMiss.Add(1) }

// Uptime returns how long the registry (and, by convention, the server)
// has been running.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// WriteText renders every metric in a simple "name value" plain-text
// format, per spec.md §4.H's "plain-text exporter renders these on a GET
// endpoint" contract.
func (r *Registry) WriteText() string {
	var b strings.Builder

	for key, count := range r.requests.snapshot() {
		parts := strings.SplitN(key, ":", 2)
		fmt.Fprintf(&b, "http_requests_total{method=%q,status_class=%q} %d\n", parts[0], parts[1], count)
	}

	buckets, counts, sum, total := r.duration.snapshot()
	for i, upper := range buckets {
		fmt.Fprintf(&b, "http_request_duration_seconds_bucket{le=%q} %d\n", strconv.FormatFloat(upper, 'f', -1, 64), counts[i])
	}
	fmt.Fprintf(&b, "http_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", counts[len(counts)-1])
	fmt.Fprintf(&b, "http_request_duration_seconds_sum %s\n", strconv.FormatFloat(sum, 'f', -1, 64))
	fmt.Fprintf(&b, "http_request_duration_seconds_count %d\n", total)

	fmt.Fprintf(&b, "static_cache_hits_total %d\n", r.cacheHits.Load())
	fmt.Fprintf(&b, "static_cache_misses_total %d\n", r.cacheMiss.Load())
	fmt.Fprintf(&b, "http_requests_slow_total %d\n", r.slow.Load())

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(&b, "process_resident_memory_bytes %d\n", ms.Sys)
	fmt.Fprintf(&b, "process_heap_alloc_bytes %d\n", ms.HeapAlloc)
	fmt.Fprintf(&b, "go_goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "process_uptime_seconds %s\n", strconv.FormatFloat(r.Uptime().Seconds(), 'f', 3, 64))

	if cpu, ok := processCPUSeconds(); ok {
		fmt.Fprintf(&b, "process_cpu_seconds_total %s\n", strconv.FormatFloat(cpu, 'f', 3, 64))
	}

	return b.String()
}

// processCPUSeconds reports total user+system CPU time consumed by this
// process, per spec.md §4.H's CPU/resource gauge. Built on `syscall.
// Getrusage` rather than a library since no metrics/resource-sampling
// dependency appears anywhere in the retrieved corpus (see package doc).
func processCPUSeconds() (float64, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}

	user := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	sys := float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6

	return user + sys, true
}
