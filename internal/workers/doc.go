// Package workers computes worker pool sizes from the available CPU count,
// respecting container CPU limits and environment overrides.
package workers
