// Package layout computes justified row breaks for an ordered media list.
//
// Rows are broken greedily by accumulated aspect ratio and sized to fill
// the viewport width at a consistent height. Results are cached in two
// tiers keyed by (width bucket, ordering fingerprint): a small in-memory
// LRU for the hot path and the store's layout tables across restarts. A
// repeat request for an unchanged list at the same bucket is O(1).
package layout
