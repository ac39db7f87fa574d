// Package metrics provides Prometheus metrics for the pool manager and
// the proxy daemon.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts requests handled by the daemon by status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkit_requests_total",
		Help: "Total number of requests",
	}, []string{"method", "status"})

	// RequestDuration tracks request duration in seconds.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolkit_request_duration_seconds",
		Help:    "Request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// PoolsCreated counts connection pools constructed, by scheme.
	PoolsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkit_pools_created_total",
		Help: "Total connection pools constructed",
	}, []string{"scheme"})

	// PoolsEvicted counts pools evicted from the pool cache.
	PoolsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolkit_pools_evicted_total",
		Help: "Total pools evicted from the pool cache",
	})

	// PoolCacheSize tracks the current number of cached pools.
	PoolCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolkit_pool_cache_size",
		Help: "Current number of cached connection pools",
	})

	// RedirectsFollowed counts redirects followed by the request loop.
	RedirectsFollowed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolkit_redirects_followed_total",
		Help: "Total redirects followed",
	})

	// RetriesExhausted counts requests that ran out of retry budget.
	RetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolkit_retries_exhausted_total",
		Help: "Total requests whose retry budget was exhausted",
	})

	// ActiveRequests tracks in-flight daemon requests.
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolkit_active_requests",
		Help: "Current number of in-flight requests",
	})

	// LimitRejections counts requests rejected by connection limits.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolkit_limit_rejections_total",
		Help: "Total requests rejected due to limits",
	}, []string{"type"})

	// BytesSent tracks total response bytes sent to clients.
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolkit_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	// BytesReceived tracks total request bytes received from clients.
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolkit_bytes_received_total",
		Help: "Total bytes received from clients",
	})
)

// Stats holds runtime statistics for the /stats endpoint. CachedPools
// is filled in by the metrics server from its registered pool counter;
// the collector itself does not track pools.
type Stats struct {
	ActiveRequests  int64            `json:"active_requests"`
	TotalRequests   int64            `json:"total_requests"`
	BytesSent       int64            `json:"bytes_sent"`
	BytesReceived   int64            `json:"bytes_received"`
	CachedPools     int              `json:"cached_pools"`
	RequestsPerHost map[string]int64 `json:"requests_per_host"`
}

// StatsCollector collects runtime statistics for the daemon.
type StatsCollector struct {
	activeRequests  atomic.Int64
	totalRequests   atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	requestsPerHost map[string]*atomic.Int64
	mu              sync.RWMutex
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		requestsPerHost: make(map[string]*atomic.Int64),
	}
}

// IncActiveRequests increments in-flight requests.
func (sc *StatsCollector) IncActiveRequests() {
	sc.activeRequests.Add(1)
	ActiveRequests.Inc()
}

// DecActiveRequests decrements in-flight requests.
func (sc *StatsCollector) DecActiveRequests() {
	sc.activeRequests.Add(-1)
	ActiveRequests.Dec()
}

// IncRequestsForHost increments the request counter for a host.
func (sc *StatsCollector) IncRequestsForHost(host string) {
	sc.totalRequests.Add(1)

	sc.mu.RLock()
	counter, exists := sc.requestsPerHost[host]
	sc.mu.RUnlock()

	if !exists {
		sc.mu.Lock()
		if _, ok := sc.requestsPerHost[host]; !ok {
			sc.requestsPerHost[host] = &atomic.Int64{}
		}
		counter = sc.requestsPerHost[host]
		sc.mu.Unlock()
	}
	counter.Add(1)
}

// AddBytesSent adds to the bytes-sent counter.
func (sc *StatsCollector) AddBytesSent(n int64) {
	sc.bytesSent.Add(n)
	BytesSent.Add(float64(n))
}

// AddBytesReceived adds to the bytes-received counter.
func (sc *StatsCollector) AddBytesReceived(n int64) {
	sc.bytesReceived.Add(n)
	BytesReceived.Add(float64(n))
}

// GetStats returns current statistics.
func (sc *StatsCollector) GetStats() Stats {
	perHost := make(map[string]int64)
	sc.mu.RLock()
	for host, counter := range sc.requestsPerHost {
		perHost[host] = counter.Load()
	}
	sc.mu.RUnlock()

	return Stats{
		ActiveRequests:  sc.activeRequests.Load(),
		TotalRequests:   sc.totalRequests.Load(),
		BytesSent:       sc.bytesSent.Load(),
		BytesReceived:   sc.bytesReceived.Load(),
		RequestsPerHost: perHost,
	}
}
