// Package metrics defines the Prometheus metrics exported by the media
// indexer. Metrics are registered with promauto at package init and served
// from the daemon's /metrics endpoint.
package metrics
