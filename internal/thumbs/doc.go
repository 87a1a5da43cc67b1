// Package thumbs generates and caches thumbnails through a bounded,
// priority-ordered worker pipeline.
//
// Requests flow through three tiers: an in-memory LRU bounded by a byte
// budget, an on-disk JPEG cache named by content key, and finally a full
// decode of the source media. Content keys hash (path, mtime, size) so a
// changed file naturally misses both caches and the stale entries age
// out. Completions are delivered in short batches rather than one by one.
package thumbs
