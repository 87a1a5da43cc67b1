// Package scanner walks the media directory and reconciles it against the
// store. Each run diffs the filesystem with the persisted (mtime, size)
// stamps, probes dimensions only for new or changed files, writes in
// batches and emits change events for cache invalidation. An optional
// fsnotify watcher triggers rescans between intervals.
package scanner
