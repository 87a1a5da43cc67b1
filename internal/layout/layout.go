package layout

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"media-indexer/internal/logging"
	"media-indexer/internal/metrics"
	"media-indexer/internal/store"
)

// DefaultBucketSize is the width grid in pixels. Resizes within one
// bucket reuse the cached breaks; crossing a boundary recomputes.
const DefaultBucketSize = 50

// memCacheEntries bounds the in-memory tier. Layouts are cheap to hold
// (a few ints per row) but there is no point keeping more than a handful
// of recent (bucket, order) combinations.
const memCacheEntries = 8

// SlackPolicy controls what happens to leftover horizontal space when a
// row's height was clamped and its items no longer fill the viewport.
type SlackPolicy int

const (
	// SlackLeave keeps item widths true to aspect ratio and leaves the
	// gap at the row's end.
	SlackLeave SlackPolicy = iota
	// SlackDistribute pads each item's display width equally so the row
	// spans the full viewport. Heights are never re-stretched.
	SlackDistribute
)

// Config holds the row geometry targets.
type Config struct {
	TargetHeight float64
	MinHeight    float64
	MaxHeight    float64
	BucketSize   int
	Slack        SlackPolicy
}

// DefaultConfig returns the geometry used by the daemon unless overridden.
func DefaultConfig() Config {
	return Config{
		TargetHeight: 240,
		MinHeight:    160,
		MaxHeight:    360,
		BucketSize:   DefaultBucketSize,
		Slack:        SlackLeave,
	}
}

// Row is one computed row break. Start and End are indices into the
// ordered item list; End is exclusive.
type Row struct {
	Index  int
	Height float64
	Start  int
	End    int
}

// Breaks is the full result for one (width bucket, ordering) pair.
type Breaks struct {
	WidthBucket int
	ListHash    uint64
	Rows        []Row
}

type cacheKey struct {
	bucket   int
	sortKey  string
	listHash uint64
}

type cacheEntry struct {
	key    cacheKey
	breaks *Breaks
	used   time.Time
}

// Engine computes and caches justified layouts.
type Engine struct {
	store *store.Store
	cfg   Config

	mu  sync.Mutex
	mem []cacheEntry
}

// New creates an Engine backed by st for the persistent tier.
func New(st *store.Store, cfg Config) *Engine {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	return &Engine{store: st, cfg: cfg}
}

// WidthBucket maps a viewport width onto the coarse grid.
func (e *Engine) WidthBucket(viewportWidth int) int {
	b := (viewportWidth + e.cfg.BucketSize/2) / e.cfg.BucketSize
	if b < 1 {
		b = 1
	}
	return b
}

// Fingerprint hashes the ordered (path, mtime) sequence. Any addition,
// removal, reorder or mtime change produces a different value.
func Fingerprint(items []*store.MediaItem) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, item := range items {
		_, _ = h.WriteString(item.Path)
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], uint64(item.ModTime.Unix()))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Layout returns row breaks for items at the given viewport width,
// serving from cache when the (bucket, fingerprint) pair is unchanged.
// sortKey names the ordering and scopes the persistent cache slot.
func (e *Engine) Layout(ctx context.Context, items []*store.MediaItem, viewportWidth int, sortKey string) (*Breaks, error) {
	bucket := e.WidthBucket(viewportWidth)
	hash := Fingerprint(items)
	key := cacheKey{bucket: bucket, sortKey: sortKey, listHash: hash}

	if b := e.memGet(key); b != nil {
		metrics.LayoutCacheHits.WithLabelValues("memory").Inc()
		return b, nil
	}

	if b, err := e.storeGet(ctx, key, len(items)); err != nil {
		logging.Warn("layout store lookup failed for bucket %d: %v", bucket, err)
	} else if b != nil {
		metrics.LayoutCacheHits.WithLabelValues("store").Inc()
		e.memPut(key, b)
		return b, nil
	}

	metrics.LayoutCacheMisses.Inc()
	start := time.Now()
	b := e.compute(items, bucket)
	metrics.LayoutComputeDuration.Observe(time.Since(start).Seconds())

	if err := e.storePut(ctx, key, len(items), b); err != nil {
		logging.Warn("failed to persist layout for bucket %d: %v", bucket, err)
	}
	e.memPut(key, b)
	return b, nil
}

// compute runs the justified algorithm at the bucket's canonical width so
// every request within one bucket yields identical breaks.
func (e *Engine) compute(items []*store.MediaItem, bucket int) *Breaks {
	viewport := float64(bucket * e.cfg.BucketSize)
	b := &Breaks{WidthBucket: bucket, ListHash: Fingerprint(items)}

	rowStart := 0
	sumAR := 0.0
	for i, item := range items {
		sumAR += item.AspectRatio()
		if sumAR*e.cfg.TargetHeight >= viewport {
			height := viewport / sumAR
			if height < e.cfg.MinHeight {
				height = e.cfg.MinHeight
			} else if height > e.cfg.MaxHeight {
				height = e.cfg.MaxHeight
			}
			b.Rows = append(b.Rows, Row{
				Index:  len(b.Rows),
				Height: height,
				Start:  rowStart,
				End:    i + 1,
			})
			rowStart = i + 1
			sumAR = 0
		}
	}
	// The trailing row keeps the target height and is never stretched to
	// the right edge.
	if rowStart < len(items) {
		b.Rows = append(b.Rows, Row{
			Index:  len(b.Rows),
			Height: e.cfg.TargetHeight,
			Start:  rowStart,
			End:    len(items),
		})
	}
	return b
}

// ItemWidths returns the display width of each item in a row, applying
// the configured slack policy. The final (unjustified) row always uses
// true aspect widths.
func (e *Engine) ItemWidths(b *Breaks, row Row, items []*store.MediaItem) []float64 {
	widths := make([]float64, 0, row.End-row.Start)
	total := 0.0
	for _, item := range items[row.Start:row.End] {
		w := item.AspectRatio() * row.Height
		widths = append(widths, w)
		total += w
	}
	lastRow := row.Index == len(b.Rows)-1
	if e.cfg.Slack == SlackDistribute && !lastRow {
		viewport := float64(b.WidthBucket * e.cfg.BucketSize)
		if slack := viewport - total; slack > 0 {
			pad := slack / float64(len(widths))
			for i := range widths {
				widths[i] += pad
			}
		}
	}
	return widths
}

// Invalidate drops both cache tiers. Called by the coordinator whenever
// the item list changes.
func (e *Engine) Invalidate(ctx context.Context) error {
	e.mu.Lock()
	e.mem = e.mem[:0]
	e.mu.Unlock()
	return e.store.InvalidateLayouts(ctx)
}

func (e *Engine) memGet(key cacheKey) *Breaks {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.mem {
		if e.mem[i].key == key {
			e.mem[i].used = time.Now()
			return e.mem[i].breaks
		}
	}
	return nil
}

func (e *Engine) memPut(key cacheKey, b *Breaks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.mem {
		if e.mem[i].key == key {
			e.mem[i].breaks = b
			e.mem[i].used = time.Now()
			return
		}
	}
	if len(e.mem) < memCacheEntries {
		e.mem = append(e.mem, cacheEntry{key: key, breaks: b, used: time.Now()})
		return
	}
	oldest := 0
	for i := 1; i < len(e.mem); i++ {
		if e.mem[i].used.Before(e.mem[oldest].used) {
			oldest = i
		}
	}
	e.mem[oldest] = cacheEntry{key: key, breaks: b, used: time.Now()}
}

func (e *Engine) storeGet(ctx context.Context, key cacheKey, itemCount int) (*Breaks, error) {
	meta, err := e.store.GetLayoutMeta(ctx, key.bucket, key.sortKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if meta.ListHash != key.listHash || meta.ItemCount != itemCount {
		// Stale slot for this bucket; the caller recomputes and overwrites.
		return nil, nil
	}
	rows, err := e.store.GetLayoutRows(ctx, key.bucket, key.sortKey)
	if err != nil {
		return nil, err
	}
	b := &Breaks{WidthBucket: key.bucket, ListHash: key.listHash}
	for _, r := range rows {
		b.Rows = append(b.Rows, Row{
			Index:  r.RowIndex,
			Height: r.RowHeight,
			Start:  r.StartIndex,
			End:    r.EndIndex,
		})
	}
	return b, nil
}

func (e *Engine) storePut(ctx context.Context, key cacheKey, itemCount int, b *Breaks) error {
	meta := &store.LayoutMeta{
		WidthBucket: key.bucket,
		SortKey:     key.sortKey,
		ItemCount:   itemCount,
		ListHash:    key.listHash,
		UpdatedAt:   time.Now(),
	}
	rows := make([]store.LayoutRow, 0, len(b.Rows))
	for _, r := range b.Rows {
		rows = append(rows, store.LayoutRow{
			WidthBucket: key.bucket,
			SortKey:     key.sortKey,
			RowIndex:    r.Index,
			RowHeight:   r.Height,
			StartIndex:  r.Start,
			EndIndex:    r.End,
		})
	}
	return e.store.PutLayout(ctx, meta, rows)
}
