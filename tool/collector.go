// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "toolrpc"
	metricsSubsystem = "executor"
)

var (
	callsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "calls_total"),
		"Tool calls by outcome.",
		[]string{"outcome"}, nil,
	)
	cacheHitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "cache_hits_total"),
		"Tool calls answered from the result cache.",
		nil, nil,
	)
	cacheEntriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "cache_entries"),
		"Results currently cached.",
		nil, nil,
	)
	latencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "latency_seconds"),
		"Tool call latency statistics.",
		[]string{"stat"}, nil,
	)
	toolsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "registered_tools"),
		"Tools currently registered.",
		nil, nil,
	)
)

// Collector exports the metrics of an Executor to Prometheus.
type Collector struct {
	exec *Executor
}

// NewCollector returns a collector reading from exec.
func NewCollector(exec *Executor) *Collector {
	return &Collector{exec: exec}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- callsDesc
	ch <- cacheHitsDesc
	ch <- cacheEntriesDesc
	ch <- latencyDesc
	ch <- toolsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.exec.Metrics()
	ch <- prometheus.MustNewConstMetric(callsDesc, prometheus.CounterValue, float64(m.Success), "success")
	ch <- prometheus.MustNewConstMetric(callsDesc, prometheus.CounterValue, float64(m.Failure), "failure")
	ch <- prometheus.MustNewConstMetric(callsDesc, prometheus.CounterValue, float64(m.Timeout), "timeout")
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(m.CacheHit))
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(c.exec.CacheLen()))
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, m.MinLatency.Seconds(), "min")
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, m.AvgLatency.Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, m.MaxLatency.Seconds(), "max")
	ch <- prometheus.MustNewConstMetric(toolsDesc, prometheus.GaugeValue, float64(c.exec.reg.Len()))
}
