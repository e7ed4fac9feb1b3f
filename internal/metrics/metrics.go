package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shelfsync"

var (
	DownloadEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_events_total",
			Help:      "Count of transfer events processed by the reconciler.",
		},
		[]string{"type"},
	)

	Aria2RPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aria2_rpc_errors_total",
			Help:      "Errors from aria2 JSON-RPC calls.",
		},
		[]string{"method"},
	)

	Aria2RPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aria2_rpc_latency_seconds",
			Help:      "Latency of aria2 JSON-RPC calls.",
		},
		[]string{"method"},
	)

	ActiveTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Number of track transfers tracked by the adapter.",
		},
	)

	ItemDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_downloads_total",
			Help:      "Item downloads by outcome.",
		},
		[]string{"result"},
	)

	OrphanedTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_tasks_total",
			Help:      "Stored transfer handles found without a live transfer.",
		},
	)

	ProgressReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_reports_total",
			Help:      "Playback progress reports sent to the media server by outcome.",
		},
		[]string{"result"},
	)

	ProgressSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_sync_total",
			Help:      "Background progress flush and pull operations by outcome.",
		},
		[]string{"op", "result"},
	)
)

var registerOnce sync.Once

// Register registers the shelfsync metrics into the default registry. Later
// calls are no-ops.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		DownloadEvents,
		Aria2RPCErrors,
		Aria2RPCLatency,
		ActiveTransfers,
		ItemDownloads,
		OrphanedTasks,
		ProgressReports,
		ProgressSync,
	)
}
