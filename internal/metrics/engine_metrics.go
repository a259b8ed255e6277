package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call-correlation gauges/counters, named after the statistics spec.md §6
// lists, alongside the teacher's existing capture/pipeline/reporter
// metrics in metrics.go — both sets register against the same default
// registry.
var (
	TotalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_agent_total_calls",
		Help: "Total number of calls observed since startup",
	})

	DisplayedCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_agent_displayed_calls",
		Help: "Number of calls currently retained in the store",
	})

	EvictedCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_agent_evicted_calls_total",
		Help: "Total number of calls evicted from the store",
	})

	DroppedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_dropped_packets_total",
			Help: "Total number of packets dropped by the correlation store",
		},
		[]string{"reason"},
	)

	OrphanedStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_agent_orphaned_streams",
		Help: "Number of RTP/RTCP streams with no matching call",
	})

	RTPStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_agent_rtp_streams",
		Help: "Number of tracked RTP streams",
	})

	StoreMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_agent_store_memory_bytes",
		Help: "Approximate memory footprint of the correlation store",
	})

	ReassemblyTableOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_reassembly_table_occupancy",
			Help: "Number of in-progress reassembly entries by layer",
		},
		[]string{"layer"}, // "ip" | "tcp"
	)
)
