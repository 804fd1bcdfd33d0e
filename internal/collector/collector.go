// Package collector exports the state of the active configuration snapshot
// as prometheus gauges.
package collector

import (
	"log/slog"

	"github.com/clambin/nabtag/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tagCount = prometheus.NewDesc(
		prometheus.BuildFQName("nabtag", "registry", "tags"),
		"Number of configured tags, by action kind",
		[]string{"kind"},
		nil,
	)
	rabbitCount = prometheus.NewDesc(
		prometheus.BuildFQName("nabtag", "registry", "rabbits"),
		"Number of rabbits in the directory",
		nil,
		nil,
	)
	loadedTimestamp = prometheus.NewDesc(
		prometheus.BuildFQName("nabtag", "registry", "loaded_timestamp_seconds"),
		"Unix time of the last successful configuration load",
		nil,
		nil,
	)
)

type Collector struct {
	Store  *registry.Store
	Logger *slog.Logger
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tagCount
	ch <- rabbitCount
	ch <- loadedTimestamp
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.Store.Snapshot()
	if snapshot == nil {
		return
	}

	byKind := make(map[string]int)
	for _, tag := range snapshot.Tags() {
		byKind[tag.Action.Kind.String()]++
	}
	for kind, count := range byKind {
		ch <- prometheus.MustNewConstMetric(tagCount, prometheus.GaugeValue, float64(count), kind)
	}
	ch <- prometheus.MustNewConstMetric(rabbitCount, prometheus.GaugeValue, float64(len(snapshot.Rabbits())))
	ch <- prometheus.MustNewConstMetric(loadedTimestamp, prometheus.GaugeValue, float64(snapshot.LoadedAt().Unix()))
}
