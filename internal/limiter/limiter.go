// Package limiter provides in-flight request limiting for the daemon.
package limiter

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/poolkit/poolkit/internal/logger"
)

var (
	// ErrHostLimitReached is returned when the per-host limit is reached.
	ErrHostLimitReached = errors.New("request limit reached for host")
	// ErrTotalLimitReached is returned when the total limit is reached.
	ErrTotalLimitReached = errors.New("total request limit reached")
)

// Limiter tracks and limits concurrent in-flight requests, both in
// total and per destination host.
type Limiter struct {
	maxPerHost atomic.Int32
	maxTotal   atomic.Int32
	total      atomic.Int64
	perHost    map[string]*atomic.Int64
	mu         sync.RWMutex
}

// New creates a new Limiter.
func New(maxPerHost, maxTotal int) *Limiter {
	l := &Limiter{
		perHost: make(map[string]*atomic.Int64),
	}
	l.maxPerHost.Store(int32(maxPerHost))
	l.maxTotal.Store(int32(maxTotal))
	return l
}

// UpdateLimits updates the request limits at runtime.
func (l *Limiter) UpdateLimits(maxPerHost, maxTotal int) {
	l.maxPerHost.Store(int32(maxPerHost))
	l.maxTotal.Store(int32(maxTotal))
	logger.Info("limits_updated", "max_per_host", maxPerHost, "max_total", maxTotal)
}

// MaxPerHost returns the current per-host limit.
func (l *Limiter) MaxPerHost() int {
	return int(l.maxPerHost.Load())
}

// MaxTotal returns the current total limit.
func (l *Limiter) MaxTotal() int {
	return int(l.maxTotal.Load())
}

// Acquire attempts to acquire a request slot for the given host.
// Returns nil if successful, error if a limit is reached.
// Uses CAS loops to prevent TOCTOU race conditions.
func (l *Limiter) Acquire(host string) error {
	maxTotal := int64(l.maxTotal.Load())
	maxPerHost := int64(l.maxPerHost.Load())

	// Atomically increment total counter with CAS loop
	for {
		current := l.total.Load()
		if current >= maxTotal {
			return ErrTotalLimitReached
		}
		if l.total.CompareAndSwap(current, current+1) {
			break
		}
	}

	// Get or create per-host counter
	l.mu.RLock()
	counter, exists := l.perHost[host]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		if _, exists := l.perHost[host]; !exists {
			l.perHost[host] = &atomic.Int64{}
		}
		counter = l.perHost[host]
		l.mu.Unlock()
	}

	// Atomically increment per-host counter with CAS loop
	for {
		hostCount := counter.Load()
		if hostCount >= maxPerHost {
			// Rollback total counter since we can't acquire
			l.total.Add(-1)
			return ErrHostLimitReached
		}
		if counter.CompareAndSwap(hostCount, hostCount+1) {
			break
		}
	}

	return nil
}

// Release releases a request slot for the given host.
func (l *Limiter) Release(host string) {
	l.mu.RLock()
	counter, exists := l.perHost[host]
	l.mu.RUnlock()

	if exists {
		counter.Add(-1)
	}
	l.total.Add(-1)
}

// GetHostCount returns the current in-flight count for a host.
func (l *Limiter) GetHostCount(host string) int64 {
	l.mu.RLock()
	counter, exists := l.perHost[host]
	l.mu.RUnlock()

	if !exists {
		return 0
	}
	return counter.Load()
}

// GetTotalCount returns the current total in-flight count.
func (l *Limiter) GetTotalCount() int64 {
	return l.total.Load()
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() map[string]int64 {
	stats := make(map[string]int64)
	stats["total"] = l.total.Load()

	l.mu.RLock()
	for host, counter := range l.perHost {
		stats[host] = counter.Load()
	}
	l.mu.RUnlock()

	return stats
}
