package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner metrics
var (
	ScannerRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_scanner_runs_total",
			Help: "Total number of scan passes",
		},
	)

	ScannerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_indexer_scanner_run_duration_seconds",
			Help:    "Duration of a full scan pass in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	ScannerFilesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_scanner_files_scanned_total",
			Help: "Total number of media files examined by the scanner",
		},
	)

	ScannerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_indexer_scanner_events_total",
			Help: "Scan events emitted, by kind",
		},
		[]string{"kind"}, // "added", "updated", "unchanged", "removed", "error"
	)

	ScannerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_scanner_errors_total",
			Help: "Total number of per-item scan errors",
		},
	)

	ScannerIsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_indexer_scanner_running",
			Help: "Whether a scan is currently running (1 = running, 0 = idle)",
		},
	)

	ScannerWatcherEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_scanner_watcher_events_total",
			Help: "Filesystem watcher events received",
		},
	)
)

// Store metrics
var (
	StoreQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_indexer_store_queries_total",
			Help: "Total number of metadata store queries",
		},
		[]string{"operation", "status"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_indexer_store_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)

	StoreTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_indexer_store_transaction_duration_seconds",
			Help:    "Batch transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // "commit", "rollback"
	)

	StoreRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_store_rebuilds_total",
			Help: "Times the store was renamed aside and rebuilt after corruption",
		},
	)

	StoreItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_indexer_store_items",
			Help: "Number of media items currently in the store",
		},
	)
)

// Layout metrics
var (
	LayoutCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_indexer_layout_cache_hits_total",
			Help: "Layout cache hits, by tier",
		},
		[]string{"tier"}, // "memory", "store"
	)

	LayoutCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_layout_cache_misses_total",
			Help: "Layout computations forced by a cache miss",
		},
	)

	LayoutComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_indexer_layout_compute_duration_seconds",
			Help:    "Duration of a full row-break computation in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	LayoutInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_layout_invalidations_total",
			Help: "Layout cache invalidations triggered by item changes",
		},
	)
)

// Thumbnail pipeline metrics
var (
	ThumbGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_indexer_thumbnail_generations_total",
			Help: "Thumbnail requests resolved, by source and status",
		},
		[]string{"source", "status"}, // source: "memory", "disk", "decode"; status: "success", "error"
	)

	ThumbStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_indexer_thumbnail_stage_duration_seconds",
			Help:    "Per-stage thumbnail latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"stage"}, // "queue_wait", "worker", "decode", "resize", "encode"
	)

	ThumbQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_indexer_thumbnail_queue_depth",
			Help: "Number of thumbnail requests waiting in the priority queue",
		},
	)

	ThumbQueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_thumbnail_queue_drops_total",
			Help: "Requests dropped because the queue exceeded its bound",
		},
	)

	ThumbTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_thumbnail_timeouts_total",
			Help: "Thumbnail decodes abandoned after exceeding their deadline",
		},
	)

	ThumbMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_indexer_thumbnail_memory_cache_bytes",
			Help: "Decoded bytes currently held by the in-memory thumbnail tier",
		},
	)

	ThumbMemoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_indexer_thumbnail_memory_cache_entries",
			Help: "Entries currently held by the in-memory thumbnail tier",
		},
	)

	ThumbEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_indexer_thumbnail_evictions_total",
			Help: "Memory-tier evictions, by cause",
		},
		[]string{"cause"}, // "budget", "pressure", "invalidate"
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_indexer_memory_usage_ratio",
			Help: "Heap usage as a fraction of the configured memory limit",
		},
	)

	MemoryPressureSignals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_indexer_memory_pressure_signals_total",
			Help: "Times the memory monitor asked caches to shed entries",
		},
	)
)
