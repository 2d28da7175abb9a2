// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"sync"
	"time"
)

// Metrics is a snapshot of executor counters.
//
// Every dispatch counts toward Total and exactly one of Success, Failure
// or Timeout. Cache hits are successes and are also counted in CacheHit.
type Metrics struct {
	Total    uint64 `json:"total"`
	Success  uint64 `json:"success"`
	Failure  uint64 `json:"failure"`
	Timeout  uint64 `json:"timeout"`
	CacheHit uint64 `json:"cache_hit"`

	MinLatency time.Duration `json:"min_latency"`
	AvgLatency time.Duration `json:"avg_latency"`
	MaxLatency time.Duration `json:"max_latency"`
}

// SuccessRate returns Success/Total as a percentage, or 0 with no calls.
func (m Metrics) SuccessRate() float64 {
	return percent(m.Success, m.Total)
}

// CacheHitRate returns CacheHit/Total as a percentage, or 0 with no calls.
func (m Metrics) CacheHitRate() float64 {
	return percent(m.CacheHit, m.Total)
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeCacheHit
	outcomeFailure
	outcomeTimeout
)

type metricsRecorder struct {
	mu           sync.Mutex
	m            Metrics
	totalLatency time.Duration
}

func (r *metricsRecorder) record(o outcome, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.Total++
	switch o {
	case outcomeSuccess:
		r.m.Success++
	case outcomeCacheHit:
		r.m.Success++
		r.m.CacheHit++
	case outcomeFailure:
		r.m.Failure++
	case outcomeTimeout:
		r.m.Timeout++
	}

	if r.m.Total == 1 || latency < r.m.MinLatency {
		r.m.MinLatency = latency
	}
	if latency > r.m.MaxLatency {
		r.m.MaxLatency = latency
	}
	r.totalLatency += latency
	r.m.AvgLatency = r.totalLatency / time.Duration(r.m.Total)
}

func (r *metricsRecorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

func (r *metricsRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = Metrics{}
	r.totalLatency = 0
}
