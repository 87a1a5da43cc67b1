// Package store provides the SQLite-backed metadata store for indexed
// media. It is the source of truth for "has this file changed" and also
// persists the layout engine's row-break cache so a warm start can skip
// both metadata extraction and layout computation.
//
// The store enforces single-writer/multi-reader access. Batched writes are
// applied in one transaction and are never partially visible to readers.
// A structurally corrupt database file is renamed aside and rebuilt empty:
// everything in it is re-derivable from the filesystem, so losing it costs
// a cold scan, not correctness.
package store
