// Package bench runs the full indexing pipeline synchronously over a
// directory and reports per-stage timings. It is a reporting shell over
// the same scanner, store, layout and thumbnail components the daemon
// uses; nothing here touches their internals.
package bench

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"media-indexer/internal/layout"
	"media-indexer/internal/logging"
	"media-indexer/internal/mediatypes"
	"media-indexer/internal/scanner"
	"media-indexer/internal/store"
	"media-indexer/internal/thumbs"
)

// Options are the benchmark tunables.
type Options struct {
	MediaDir string
	WorkDir  string
	Runs     int
	// ColdCache wipes the store and thumbnail cache before each run.
	ColdCache bool
	// ThumbLimit caps how many items get thumbnails; zero means all.
	ThumbLimit int
	// VisibleCount marks the first N requests as visible priority; the
	// rest queue as prefetch by row distance.
	VisibleCount int
	Workers      int
	FastResize   bool
	ItemTimeout  time.Duration

	ViewportWidth int
	TargetHeight  float64
}

// StageStats summarizes one timing series.
type StageStats struct {
	Count int
	Avg   time.Duration
	P95   time.Duration
}

// RunResult is one benchmark pass.
type RunResult struct {
	Run        int
	Elapsed    time.Duration
	Scan       scanner.Stats
	LoadTime   time.Duration
	ItemCount  int
	LayoutTime time.Duration
	LayoutRows int

	ThumbsSelected  int
	ThumbsGenerated int
	ThumbsCached    int
	ThumbsFailed    int

	EndToEnd  StageStats
	QueueWait StageStats
	Worker    StageStats
	Decode    StageStats
	Resize    StageStats
	Encode    StageStats
}

// Run executes the configured number of passes and returns their results.
func Run(ctx context.Context, opts Options) ([]RunResult, error) {
	if opts.Runs <= 0 {
		opts.Runs = 1
	}
	if opts.VisibleCount <= 0 {
		opts.VisibleCount = 24
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1200
	}
	if opts.TargetHeight <= 0 {
		opts.TargetHeight = 240
	}

	info, err := os.Stat(opts.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("benchmark path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("benchmark path is not a directory: %s", opts.MediaDir)
	}

	thumbsDir := filepath.Join(opts.WorkDir, "thumbs")
	if err := os.MkdirAll(thumbsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create benchmark work dir: %w", err)
	}
	dbPath := filepath.Join(opts.WorkDir, "bench.db")

	results := make([]RunResult, 0, opts.Runs)
	for run := 1; run <= opts.Runs; run++ {
		fmt.Printf("run=%d phase=begin\n", run)
		res, err := runOnce(ctx, opts, run, dbPath, thumbsDir)
		if err != nil {
			return results, fmt.Errorf("run %d: %w", run, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func runOnce(ctx context.Context, opts Options, run int, dbPath, thumbsDir string) (RunResult, error) {
	res := RunResult{Run: run}

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error("failed to close benchmark store: %v", err)
		}
	}()

	if opts.ColdCache {
		if err := st.Reset(ctx); err != nil {
			return res, fmt.Errorf("cold cache reset failed: %w", err)
		}
		if err := clearDir(thumbsDir); err != nil {
			return res, fmt.Errorf("failed to clear thumbnail cache: %w", err)
		}
	}

	start := time.Now()

	fmt.Printf("run=%d phase=scan start\n", run)
	sc := scanner.New(st, scanner.Config{MediaDir: opts.MediaDir})
	go drainEvents(sc.Events())
	scanStats, err := sc.Scan(ctx)
	if err != nil {
		return res, fmt.Errorf("scan failed: %w", err)
	}
	res.Scan = scanStats
	fmt.Printf("run=%d phase=scan done total=%d added=%d updated=%d unchanged=%d errors=%d ms=%d\n",
		run, scanStats.Scanned, scanStats.Added, scanStats.Updated,
		scanStats.Unchanged, scanStats.Errors, scanStats.Duration.Milliseconds())

	fmt.Printf("run=%d phase=load-items start\n", run)
	loadStart := time.Now()
	items, err := st.GetAll(ctx, mediatypes.SortByPath)
	if err != nil {
		return res, fmt.Errorf("failed to load items: %w", err)
	}
	res.LoadTime = time.Since(loadStart)
	res.ItemCount = len(items)
	fmt.Printf("run=%d phase=load-items done loaded=%d ms=%d\n",
		run, len(items), res.LoadTime.Milliseconds())

	fmt.Printf("run=%d phase=layout start\n", run)
	layoutStart := time.Now()
	eng := layout.New(st, layout.Config{
		TargetHeight: opts.TargetHeight,
		MinHeight:    opts.TargetHeight * 2 / 3,
		MaxHeight:    opts.TargetHeight * 3 / 2,
	})
	breaks, err := eng.Layout(ctx, items, opts.ViewportWidth, string(mediatypes.SortByPath))
	if err != nil {
		return res, fmt.Errorf("layout failed: %w", err)
	}
	res.LayoutTime = time.Since(layoutStart)
	res.LayoutRows = len(breaks.Rows)
	fmt.Printf("run=%d phase=layout done rows=%d ms=%d\n",
		run, res.LayoutRows, res.LayoutTime.Milliseconds())

	fmt.Printf("run=%d phase=thumbnails start\n", run)
	if err := runThumbs(ctx, opts, st, breaks, items, thumbsDir, &res); err != nil {
		return res, fmt.Errorf("thumbnail phase failed: %w", err)
	}
	fmt.Printf("run=%d phase=thumbnails done selected=%d generated=%d cached=%d failed=%d p95_ms=%.2f\n",
		run, res.ThumbsSelected, res.ThumbsGenerated, res.ThumbsCached,
		res.ThumbsFailed, float64(res.EndToEnd.P95.Microseconds())/1000)

	res.Elapsed = time.Since(start)
	return res, nil
}

// runThumbs drives the pipeline to completion over the selected items,
// prioritized the way a viewer would: the visible window first, then
// prefetch by row distance.
func runThumbs(ctx context.Context, opts Options, st *store.Store, breaks *layout.Breaks, items []*store.MediaItem, thumbsDir string, res *RunResult) error {
	selected := items
	if opts.ThumbLimit > 0 && opts.ThumbLimit < len(selected) {
		selected = selected[:opts.ThumbLimit]
	}
	res.ThumbsSelected = len(selected)
	if len(selected) == 0 {
		return nil
	}

	quality := thumbs.QualityHigh
	if opts.FastResize {
		quality = thumbs.QualityFast
	}
	pipe := thumbs.NewPipeline(st, thumbs.Config{
		CacheDir:    thumbsDir,
		ThumbHeight: int(opts.TargetHeight),
		Workers:     opts.Workers,
		QueueBound:  len(selected) + 1,
		ItemTimeout: opts.ItemTimeout,
		Quality:     quality,
	})
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	defer pipe.Stop()

	rowOf := make(map[int]int, len(items))
	for _, row := range breaks.Rows {
		for i := row.Start; i < row.End; i++ {
			rowOf[i] = row.Index
		}
	}
	visibleRows := 0
	if opts.VisibleCount < len(selected) {
		visibleRows = rowOf[opts.VisibleCount-1]
	}

	requested := 0
	for i, item := range selected {
		priority := thumbs.PriorityVisible
		if i >= opts.VisibleCount {
			priority = thumbs.PriorityPrefetch + (rowOf[i] - visibleRows)
		}
		if pipe.Request(item, priority) {
			requested++
		} else {
			res.ThumbsFailed++
		}
	}

	var endToEnd, queueWait, worker, decode, resize, encode []time.Duration
	seen := 0
	for batch := range pipe.Results() {
		for _, r := range batch {
			seen++
			if r.Err != nil {
				res.ThumbsFailed++
				continue
			}
			switch r.Source {
			case "decode":
				res.ThumbsGenerated++
			default:
				res.ThumbsCached++
			}
			endToEnd = append(endToEnd, r.QueueWait+r.Worker)
			queueWait = append(queueWait, r.QueueWait)
			worker = append(worker, r.Worker)
			if r.Source == "decode" {
				decode = append(decode, r.Decode)
				resize = append(resize, r.Resize)
				encode = append(encode, r.Encode)
			}
		}
		if seen >= requested {
			break
		}
	}

	res.EndToEnd = summarize(endToEnd)
	res.QueueWait = summarize(queueWait)
	res.Worker = summarize(worker)
	res.Decode = summarize(decode)
	res.Resize = summarize(resize)
	res.Encode = summarize(encode)
	return nil
}

func summarize(samples []time.Duration) StageStats {
	if len(samples) == 0 {
		return StageStats{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return StageStats{
		Count: len(sorted),
		Avg:   total / time.Duration(len(sorted)),
		P95:   sorted[idx],
	}
}

func drainEvents(events <-chan scanner.Event) {
	for range events {
	}
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Report prints a human-readable summary for a set of runs.
func Report(results []RunResult) {
	for _, r := range results {
		fmt.Printf("\nrun %d: %v total\n", r.Run, r.Elapsed.Round(time.Millisecond))
		fmt.Printf("  scan:    %d files in %v (%d added, %d updated, %d unchanged, %d removed, %d errors)\n",
			r.Scan.Scanned, r.Scan.Duration.Round(time.Millisecond),
			r.Scan.Added, r.Scan.Updated, r.Scan.Unchanged, r.Scan.Removed, r.Scan.Errors)
		fmt.Printf("  load:    %d items in %v\n", r.ItemCount, r.LoadTime.Round(time.Millisecond))
		fmt.Printf("  layout:  %d rows in %v\n", r.LayoutRows, r.LayoutTime.Round(time.Microsecond))
		fmt.Printf("  thumbs:  %d selected, %d generated, %d cached, %d failed\n",
			r.ThumbsSelected, r.ThumbsGenerated, r.ThumbsCached, r.ThumbsFailed)
		printStage("end-to-end", r.EndToEnd)
		printStage("queue wait", r.QueueWait)
		printStage("worker", r.Worker)
		printStage("decode", r.Decode)
		printStage("resize", r.Resize)
		printStage("encode", r.Encode)
	}
}

func printStage(name string, s StageStats) {
	if s.Count == 0 {
		return
	}
	fmt.Printf("    %-11s n=%-5d avg=%-10v p95=%v\n",
		name, s.Count, s.Avg.Round(10*time.Microsecond), s.P95.Round(10*time.Microsecond))
}
