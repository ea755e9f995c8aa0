package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserveRequestCountsByMethodAndStatusClass(t *testing.T) {
	r := NewRegistry()

	r.ObserveRequest("GET", 200, 5*time.Millisecond)
	r.ObserveRequest("GET", 404, 5*time.Millisecond)
	r.ObserveRequest("GET", 200, 5*time.Millisecond)

	counts := r.requests.snapshot()
	assert.Equal(t, uint64(2), counts["GET:2xx"])
	assert.Equal(t, uint64(1), counts["GET:4xx"])
}

func TestSlowRequestCounterThreshold(t *testing.T) {
	r := NewRegistry()
	r.SlowRequestThreshold = 100 * time.Millisecond

	r.ObserveRequest("GET", 200, 50*time.Millisecond)
	r.ObserveRequest("GET", 200, 200*time.Millisecond)

	assert.Equal(t, uint64(1), r.slow.Load())
}

func TestCacheHitMissCounters(t *testing.T) {
	r := NewRegistry()

	r.CacheHit()
	r.CacheHit()
	r.CacheMiss()

	assert.Equal(t, uint64(2), r.cacheHits.Load())
	assert.Equal(t, uint64(1), r.cacheMiss.Load())
}

func TestWriteTextContainsExpectedMetrics(t *testing.T) {
	r := NewRegistry()
	r.ObserveRequest("POST", 500, 10*time.Millisecond)

	text := r.WriteText()
	assert.Contains(t, text, "http_requests_total")
	assert.Contains(t, text, "http_request_duration_seconds_bucket")
	assert.Contains(t, text, "process_uptime_seconds")
}

func TestProcessCPUSecondsIsNonNegative(t *testing.T) {
	cpu, ok := processCPUSeconds()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, cpu, 0.0)
}
