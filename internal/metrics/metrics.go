// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
)

// FabricCollector exposes fabric, allocator and arena counters as
// Prometheus metrics. Counters are snapshotted on every scrape; the
// data path is never touched by the metrics layer.
type FabricCollector struct {
	fabric *vswitch.Fabric
	alloc  *pkt.Allocator
	arena  *memseg.Arena

	portsInUse  *prometheus.Desc
	dispatched  *prometheus.Desc
	dropped     *prometheus.Desc
	allocs      *prometheus.Desc
	frees       *prometheus.Desc
	clones      *prometheus.Desc
	copies      *prometheus.Desc
	allocFails  *prometheus.Desc
	completions *prometheus.Desc
	arenaBytes  *prometheus.Desc
	mappedViews *prometheus.Desc
}

// NewFabricCollector creates a collector over the given fabric.
func NewFabricCollector(fabric *vswitch.Fabric, alloc *pkt.Allocator, arena *memseg.Arena) *FabricCollector {
	return &FabricCollector{
		fabric: fabric,
		alloc:  alloc,
		arena:  arena,

		portsInUse: prometheus.NewDesc("vnet_switch_ports_in_use",
			"Number of connected ports", []string{"switch", "mode"}, nil),
		dispatched: prometheus.NewDesc("vnet_switch_pkts_dispatched_total",
			"Total frames dispatched by the switch", []string{"switch", "mode"}, nil),
		dropped: prometheus.NewDesc("vnet_switch_pkts_dropped_total",
			"Total frames dropped by the switch", []string{"switch", "mode"}, nil),

		allocs: prometheus.NewDesc("vnet_pkt_allocs_total",
			"Total packet buffer allocations", nil, nil),
		frees: prometheus.NewDesc("vnet_pkt_frees_total",
			"Total packet buffer frees", nil, nil),
		clones: prometheus.NewDesc("vnet_pkt_clones_total",
			"Total packet clones", nil, nil),
		copies: prometheus.NewDesc("vnet_pkt_copies_total",
			"Total deep packet copies", nil, nil),
		allocFails: prometheus.NewDesc("vnet_pkt_alloc_fails_total",
			"Total failed packet allocations", nil, nil),
		completions: prometheus.NewDesc("vnet_pkt_completions_total",
			"Total source completion notifications", nil, nil),

		arenaBytes: prometheus.NewDesc("vnet_arena_bytes",
			"Configured packet arena size in bytes", nil, nil),
		mappedViews: prometheus.NewDesc("vnet_arena_mapped_views",
			"Currently mapped buffer views", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *FabricCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *FabricCollector) Collect(ch chan<- prometheus.Metric) {
	for _, sw := range c.fabric.Stats().Switches {
		ch <- prometheus.MustNewConstMetric(c.portsInUse, prometheus.GaugeValue,
			float64(sw.PortsInUse), sw.Name, sw.Mode)
		ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue,
			float64(sw.Dispatched), sw.Name, sw.Mode)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
			float64(sw.Dropped), sw.Name, sw.Mode)
	}

	st := c.alloc.Stats()
	ch <- prometheus.MustNewConstMetric(c.allocs, prometheus.CounterValue, float64(st.Allocs))
	ch <- prometheus.MustNewConstMetric(c.frees, prometheus.CounterValue, float64(st.Frees))
	ch <- prometheus.MustNewConstMetric(c.clones, prometheus.CounterValue, float64(st.Clones))
	ch <- prometheus.MustNewConstMetric(c.copies, prometheus.CounterValue, float64(st.Copies))
	ch <- prometheus.MustNewConstMetric(c.allocFails, prometheus.CounterValue, float64(st.AllocFails))
	ch <- prometheus.MustNewConstMetric(c.completions, prometheus.CounterValue, float64(st.Completions))

	ch <- prometheus.MustNewConstMetric(c.arenaBytes, prometheus.GaugeValue, float64(c.arena.Size()))
	ch <- prometheus.MustNewConstMetric(c.mappedViews, prometheus.GaugeValue, float64(c.arena.MappedCount()))
}
