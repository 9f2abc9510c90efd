package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics
var (
	// GatewayConnectionsTotal counts accepted public connections by classification (http/upgrade/invalid)
	GatewayConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_gateway_connections_total",
			Help: "Accepted public connections by classification",
		},
		[]string{"kind"},
	)

	GatewayActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelmap_gateway_active_connections",
			Help: "Public connections currently held by the gateway",
		},
	)

	// GatewayBackendDialFailures counts failed dials to internal backends (http/updates)
	GatewayBackendDialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_gateway_backend_dial_failures_total",
			Help: "Failed dials to an internal backend",
		},
		[]string{"backend"},
	)

	GatewaySplicedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_gateway_spliced_bytes_total",
			Help: "Bytes copied between public and backend connections",
		},
		[]string{"direction"},
	)
)

// Hub metrics
var (
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxelmap_hub_subscribers",
			Help: "Currently registered update-channel subscribers",
		},
	)

	// HubBroadcastsTotal counts broadcast messages by wire type
	HubBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_hub_broadcasts_total",
			Help: "Messages broadcast by wire type",
		},
		[]string{"type"},
	)

	HubDroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelmap_hub_dropped_messages_total",
			Help: "Messages dropped because a subscriber queue was full",
		},
	)

	HubEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelmap_hub_evictions_total",
			Help: "Subscribers evicted for persistent backpressure",
		},
	)

	HubWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxelmap_hub_write_failures_total",
			Help: "Subscriber writes (messages or pings) that failed",
		},
	)
)

// Scan metrics
var (
	// ScanTicksSkipped counts ticks skipped because a scan of the level was still in flight
	ScanTicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_scan_ticks_skipped_total",
			Help: "Scheduler ticks skipped while a scan was in flight",
		},
		[]string{"level"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxelmap_scan_duration_seconds",
			Help:    "Scan duration in seconds by level and kind (periodic/bulk)",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"level", "kind"},
	)

	ScanColumns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_scan_columns_total",
			Help: "Columns summarized by level",
		},
		[]string{"level"},
	)

	ScanChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxelmap_scan_changes_total",
			Help: "Changed columns detected by level",
		},
		[]string{"level"},
	)

	// LevelAvailable is 1 once the level has resolved in the world provider
	LevelAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxelmap_level_available",
			Help: "Whether the level has been loaded by the world provider",
		},
		[]string{"level"},
	)
)
