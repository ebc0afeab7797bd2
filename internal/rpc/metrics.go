package rpc

import (
	"sync/atomic"
	"time"
)

// ClientMetrics are aggregate counters over logical requests.
type ClientMetrics struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	RetriedAttempts    uint64
	CacheHits          uint64
	CacheMisses        uint64
	CoalescedRequests  uint64
	CacheEntries       int
	AverageLatency     time.Duration
	BytesReceived      uint64
}

type clientCounters struct {
	totalRequests      atomic.Uint64
	successfulRequests atomic.Uint64
	failedRequests     atomic.Uint64
	retriedAttempts    atomic.Uint64
	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	coalescedRequests  atomic.Uint64
	latencyNanos       atomic.Uint64
	bytesReceived      atomic.Uint64
}

func (counters *clientCounters) recordResult(err error, latency time.Duration) {
	if err != nil {
		counters.failedRequests.Add(1)
		return
	}
	counters.successfulRequests.Add(1)
	if latency > 0 {
		counters.latencyNanos.Add(uint64(latency))
	}
}

func (counters *clientCounters) snapshot() ClientMetrics {
	metrics := ClientMetrics{
		TotalRequests:      counters.totalRequests.Load(),
		SuccessfulRequests: counters.successfulRequests.Load(),
		FailedRequests:     counters.failedRequests.Load(),
		RetriedAttempts:    counters.retriedAttempts.Load(),
		CacheHits:          counters.cacheHits.Load(),
		CacheMisses:        counters.cacheMisses.Load(),
		CoalescedRequests:  counters.coalescedRequests.Load(),
		BytesReceived:      counters.bytesReceived.Load(),
	}
	if metrics.SuccessfulRequests > 0 {
		metrics.AverageLatency = time.Duration(counters.latencyNanos.Load() / metrics.SuccessfulRequests)
	}
	return metrics
}
