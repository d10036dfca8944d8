package otpfetch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSource is anything that can produce a MetricsSnapshot, usually a
// Fetcher.
type MetricsSource interface {
	Metrics() MetricsSnapshot
}

type metricDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(MetricsSnapshot) float64
}

// Collector exports a MetricsSnapshot as otpfetch_* Prometheus metrics. The
// snapshot is taken once per scrape.
type Collector struct {
	source  MetricsSource
	metrics []metricDesc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(source MetricsSource) *Collector {
	counter := func(name, help string, v func(MetricsSnapshot) float64) metricDesc {
		return metricDesc{
			desc:  prometheus.NewDesc("otpfetch_"+name, help, nil, nil),
			kind:  prometheus.CounterValue,
			value: v,
		}
	}
	gauge := func(name, help string, v func(MetricsSnapshot) float64) metricDesc {
		return metricDesc{
			desc:  prometheus.NewDesc("otpfetch_"+name, help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: v,
		}
	}

	return &Collector{
		source: source,
		metrics: []metricDesc{
			counter("requests_total", "Total number of fetch requests",
				func(s MetricsSnapshot) float64 { return float64(s.Requests) }),
			counter("cache_hits_total", "Total number of requests answered from the cache",
				func(s MetricsSnapshot) float64 { return float64(s.CacheHits) }),
			counter("cache_misses_total", "Total number of requests not found in the cache",
				func(s MetricsSnapshot) float64 { return float64(s.CacheMisses) }),
			counter("coalesced_total", "Total number of requests that shared another request's search",
				func(s MetricsSnapshot) float64 { return float64(s.Coalesced) }),
			counter("successes_total", "Total number of requests that found an artifact",
				func(s MetricsSnapshot) float64 { return float64(s.Successes) }),
			counter("not_found_total", "Total number of requests that found nothing within the retry budget",
				func(s MetricsSnapshot) float64 { return float64(s.NotFound) }),
			counter("errors_total", "Total number of requests that ended with an infrastructure error",
				func(s MetricsSnapshot) float64 { return float64(s.Errors) }),
			counter("attempts_total", "Total number of search attempts",
				func(s MetricsSnapshot) float64 { return float64(s.Attempts) }),
			counter("retries_total", "Total number of retried attempts",
				func(s MetricsSnapshot) float64 { return float64(s.Retries) }),
			counter("pool_exhausted_total", "Total number of session acquisitions that timed out",
				func(s MetricsSnapshot) float64 { return float64(s.PoolExhausted) }),
			counter("queue_rejected_total", "Total number of requests rejected by the queue",
				func(s MetricsSnapshot) float64 { return float64(s.QueueRejected) }),
			gauge("fetch_latency_avg_seconds", "Average latency of successful uncached fetches",
				func(s MetricsSnapshot) float64 { return s.AvgLatency.Seconds() }),
			gauge("sessions_total", "Sessions currently in the pool",
				func(s MetricsSnapshot) float64 { return float64(s.Pool.Total) }),
			gauge("sessions_idle", "Sessions currently idle",
				func(s MetricsSnapshot) float64 { return float64(s.Pool.Idle) }),
			gauge("sessions_acquired", "Sessions currently borrowed",
				func(s MetricsSnapshot) float64 { return float64(s.Pool.Acquired) }),
			counter("sessions_created_total", "Total number of sessions dialed",
				func(s MetricsSnapshot) float64 { return float64(s.Pool.Created) }),
			counter("sessions_retired_total", "Total number of sessions retired after their request ceiling",
				func(s MetricsSnapshot) float64 { return float64(s.Pool.Retired) }),
			counter("sessions_faulted_total", "Total number of sessions discarded after a fault",
				func(s MetricsSnapshot) float64 { return float64(s.Pool.Faulted) }),
			gauge("queue_running", "Tasks currently running",
				func(s MetricsSnapshot) float64 { return float64(s.Queue.Running) }),
			gauge("queue_waiting", "Tasks currently waiting for a slot",
				func(s MetricsSnapshot) float64 { return float64(s.Queue.Waiting) }),
			gauge("cache_entries", "Entries currently in the result cache",
				func(s MetricsSnapshot) float64 { return float64(s.Cache.Size) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.source.Metrics()

	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snapshot))
	}
}
