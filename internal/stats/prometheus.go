package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"goflare.io/strata/internal/models"
)

const namespace = "strata"

var (
	hitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tier", "hits_total"),
		"Cache hits per tier.", []string{"tier"}, nil)
	missesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tier", "misses_total"),
		"Cache misses per tier.", []string{"tier"}, nil)
	evictionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tier", "evictions_total"),
		"Entries evicted per tier.", []string{"tier"}, nil)
	expirationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tier", "expirations_total"),
		"Expired entries swept per tier.", []string{"tier"}, nil)
	errorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tier", "errors_total"),
		"Failed tier operations absorbed by the engine.", []string{"tier"}, nil)
	sizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tier", "entries"),
		"Entries currently held per in-process tier.", []string{"tier"}, nil)
	missesAllDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "misses_total"),
		"Lookups that missed every tier.", nil, nil)
	memoryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "memory", "usage_bytes"),
		"Last sampled heap usage.", nil, nil)
	memoryPeakDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "memory", "peak_bytes"),
		"Highest sampled heap usage.", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		hitsDesc, missesDesc, evictionsDesc, expirationsDesc, errorsDesc,
		sizeDesc, missesAllDesc, memoryDesc, memoryPeakDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	for _, t := range models.Tiers {
		ts := s.Tier(t)
		label := t.String()
		ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(ts.Hits), label)
		ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(ts.Misses), label)
		ch <- prometheus.MustNewConstMetric(evictionsDesc, prometheus.CounterValue, float64(ts.Evictions), label)
		ch <- prometheus.MustNewConstMetric(expirationsDesc, prometheus.CounterValue, float64(ts.Expirations), label)
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(ts.Errors), label)
		if t.Kind() != models.KindNetworked {
			ch <- prometheus.MustNewConstMetric(sizeDesc, prometheus.GaugeValue, float64(ts.Size), label)
		}
	}
	ch <- prometheus.MustNewConstMetric(missesAllDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(memoryDesc, prometheus.GaugeValue, float64(s.MemoryUsage))
	ch <- prometheus.MustNewConstMetric(memoryPeakDesc, prometheus.GaugeValue, float64(s.MemoryPeak))
}

var _ prometheus.Collector = (*Collector)(nil)
