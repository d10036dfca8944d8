package otpfetch

import (
	"sync/atomic"
	"time"

	"github.com/javi11/otpfetch/internal/cache"
	"github.com/javi11/otpfetch/internal/queue"
)

// fetchMetrics holds the process-wide counters. All operations are atomic.
type fetchMetrics struct {
	requests      atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	coalesced     atomic.Int64
	successes     atomic.Int64
	notFound      atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	attempts      atomic.Int64
	poolExhausted atomic.Int64
	queueRejected atomic.Int64

	// Sum of fetch latency over successful, uncached requests (nanoseconds).
	successLatency atomic.Int64

	sessionsCreated   atomic.Int64
	sessionsDestroyed atomic.Int64
	sessionsRetired   atomic.Int64
	sessionsFaulted   atomic.Int64

	startTime time.Time
}

func newFetchMetrics() *fetchMetrics {
	return &fetchMetrics{startTime: time.Now()}
}

func (m *fetchMetrics) RecordRequest()       { m.requests.Add(1) }
func (m *fetchMetrics) RecordCacheHit()      { m.cacheHits.Add(1) }
func (m *fetchMetrics) RecordCacheMiss()     { m.cacheMisses.Add(1) }
func (m *fetchMetrics) RecordCoalesced()     { m.coalesced.Add(1) }
func (m *fetchMetrics) RecordNotFound()      { m.notFound.Add(1) }
func (m *fetchMetrics) RecordError()         { m.errors.Add(1) }
func (m *fetchMetrics) RecordRetry()         { m.retries.Add(1) }
func (m *fetchMetrics) RecordAttempt()       { m.attempts.Add(1) }
func (m *fetchMetrics) RecordPoolExhausted() { m.poolExhausted.Add(1) }
func (m *fetchMetrics) RecordQueueRejected() { m.queueRejected.Add(1) }

func (m *fetchMetrics) RecordSuccess(latency time.Duration) {
	m.successes.Add(1)
	m.successLatency.Add(int64(latency))
}

func (m *fetchMetrics) RecordSessionCreated()   { m.sessionsCreated.Add(1) }
func (m *fetchMetrics) RecordSessionDestroyed() { m.sessionsDestroyed.Add(1) }
func (m *fetchMetrics) RecordSessionRetired()   { m.sessionsRetired.Add(1) }
func (m *fetchMetrics) RecordSessionFaulted()   { m.sessionsFaulted.Add(1) }

func (m *fetchMetrics) averageLatency() time.Duration {
	n := m.successes.Load()
	if n == 0 {
		return 0
	}

	return time.Duration(m.successLatency.Load() / n)
}

type (
	QueueStats = queue.Stats
	CacheStats = cache.Stats
)

// MetricsSnapshot is a read-only view of the fetcher counters and the
// occupancy of its pool, queue and cache.
type MetricsSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime_ns"`

	Requests    int64 `json:"requests"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	Coalesced   int64 `json:"coalesced"`
	Successes   int64 `json:"successes"`
	// Failures counts every request that ended without an artifact:
	// NotFound plus Errors.
	Failures      int64         `json:"failures"`
	NotFound      int64         `json:"not_found"`
	Errors        int64         `json:"errors"`
	Attempts      int64         `json:"attempts"`
	Retries       int64         `json:"retries"`
	PoolExhausted int64         `json:"pool_exhausted"`
	QueueRejected int64         `json:"queue_rejected"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`

	Pool  PoolStats  `json:"pool"`
	Queue QueueStats `json:"queue"`
	Cache CacheStats `json:"cache"`
}

// CacheHitRate returns hits over lookups, in [0, 1].
func (s MetricsSnapshot) CacheHitRate() float64 {
	lookups := s.CacheHits + s.CacheMisses
	if lookups == 0 {
		return 0
	}

	return float64(s.CacheHits) / float64(lookups)
}

func (m *fetchMetrics) snapshot(pool PoolStats, q QueueStats, c CacheStats) MetricsSnapshot {
	now := time.Now()
	notFound := m.notFound.Load()
	errs := m.errors.Load()

	return MetricsSnapshot{
		Timestamp:     now,
		Uptime:        now.Sub(m.startTime),
		Requests:      m.requests.Load(),
		CacheHits:     m.cacheHits.Load(),
		CacheMisses:   m.cacheMisses.Load(),
		Coalesced:     m.coalesced.Load(),
		Successes:     m.successes.Load(),
		Failures:      notFound + errs,
		NotFound:      notFound,
		Errors:        errs,
		Attempts:      m.attempts.Load(),
		Retries:       m.retries.Load(),
		PoolExhausted: m.poolExhausted.Load(),
		QueueRejected: m.queueRejected.Load(),
		AvgLatency:    m.averageLatency(),
		Pool:          pool,
		Queue:         q,
		Cache:         c,
	}
}
