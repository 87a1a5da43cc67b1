package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"media-indexer/internal/logging"
	"media-indexer/internal/mediatypes"
	"media-indexer/internal/metrics"
	"media-indexer/internal/store"
	"media-indexer/internal/workers"
)

const (
	// Number of items to accumulate before committing a batch.
	batchSize = 100

	// Delay between batch commits so readers get a turn at the store.
	batchDelay = 10 * time.Millisecond

	// Buffered change events. The coordinator drains these quickly; the
	// buffer only absorbs bursts during a large scan.
	eventBuffer = 256
)

// EventKind classifies a change observed by a scan.
type EventKind int

const (
	// Added is a path the store had never seen.
	Added EventKind = iota
	// Updated is a known path whose mtime or size changed.
	Updated
	// Removed is a stored path that no longer exists on disk.
	Removed
	// Unchanged is a known path whose stamp matches the store.
	Unchanged
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Event is one observed change. For Added and Updated, Item carries the
// freshly probed metadata. For Removed, Item holds the last known state
// (the coordinator needs the old mtime and size to drop thumbnail cache
// entries) and ThumbPath points at the cached thumbnail file, if any.
type Event struct {
	Kind      EventKind
	Item      *store.MediaItem
	OldStamp  store.Stamp
	ThumbPath string
}

// Stats summarizes one scan run.
type Stats struct {
	Scanned   int
	Added     int
	Updated   int
	Unchanged int
	Removed   int
	Errors    int
	Duration  time.Duration
}

// Config controls scan behavior.
type Config struct {
	MediaDir     string
	Interval     time.Duration
	ProbeWorkers int

	// PurgeAfter is how long a missing path stays marked stale before its
	// row and cached thumbnail are deleted. The grace window tolerates
	// transient unmounts of the media directory.
	PurgeAfter time.Duration
}

// Scanner reconciles the media directory with the store.
type Scanner struct {
	store *store.Store
	cfg   Config

	events chan Event

	scanMu   sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once

	filesScanned atomic.Int64
	lastScan     atomic.Value // time.Time
}

// New creates a Scanner. Events must be drained by exactly one consumer.
func New(st *store.Store, cfg Config) *Scanner {
	if cfg.ProbeWorkers <= 0 {
		cfg.ProbeWorkers = workers.ForIO(16)
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 24 * time.Hour
	}
	return &Scanner{
		store:    st,
		cfg:      cfg,
		events:   make(chan Event, eventBuffer),
		stopChan: make(chan struct{}),
	}
}

// Events returns the change event stream. Closed by Stop.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// LastScan returns when the most recent scan finished, or the zero time.
func (s *Scanner) LastScan() time.Time {
	if t, ok := s.lastScan.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Start runs periodic scans until Stop or context cancellation. The first
// scan runs immediately.
func (s *Scanner) Start(ctx context.Context) {
	go func() {
		if _, err := s.Scan(ctx); err != nil {
			logging.Error("Initial scan failed: %v", err)
		}

		if s.cfg.Interval <= 0 {
			return
		}
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Scan(ctx); err != nil {
					logging.Error("Periodic scan failed: %v", err)
				}
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic scanning and closes the event stream. Safe to call
// more than once.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		// Wait for an in-flight scan to release the lock before closing
		// the channel it emits on.
		s.scanMu.Lock()
		close(s.events)
		s.scanMu.Unlock()
	})
}

type probeJob struct {
	path string
	kind EventKind
	old  store.Stamp
	info fs.FileInfo
}

// Scan performs one full reconciliation pass. Concurrent calls are
// serialized; the second caller waits rather than overlapping walks.
func (s *Scanner) Scan(ctx context.Context) (Stats, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	select {
	case <-s.stopChan:
		return Stats{}, fmt.Errorf("scanner stopped")
	default:
	}

	start := time.Now()
	metrics.ScannerRunsTotal.Inc()
	metrics.ScannerIsRunning.Set(1)
	defer metrics.ScannerIsRunning.Set(0)
	s.filesScanned.Store(0)

	logging.Info("Scanning %s", s.cfg.MediaDir)

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load store snapshot: %w", err)
	}

	jobs, stats, err := s.walk(ctx, snapshot, start)
	if err != nil {
		return stats, err
	}

	if err := s.processJobs(ctx, jobs, &stats, start); err != nil {
		return stats, err
	}

	// Anything the walk did not touch this run is missing from disk. Mark
	// it stale rather than deleting; rows are purged only once they stay
	// missing past the grace window.
	removed, err := s.markMissing(ctx, start)
	if err != nil {
		return stats, err
	}
	stats.Removed = removed

	if err := s.purgeExpired(ctx, start); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	s.lastScan.Store(time.Now())
	metrics.ScannerRunDuration.Observe(stats.Duration.Seconds())
	metrics.ScannerFilesScanned.Add(float64(stats.Scanned))

	logging.Info("Scan complete in %v: %d scanned, %d added, %d updated, %d unchanged, %d removed, %d errors",
		stats.Duration.Round(time.Millisecond), stats.Scanned,
		stats.Added, stats.Updated, stats.Unchanged, stats.Removed, stats.Errors)
	return stats, nil
}

// walk collects probe jobs for new and changed files and refreshes
// last_seen for unchanged ones. Paths are processed in sorted order so
// batches and the resulting ordering fingerprint are deterministic.
func (s *Scanner) walk(ctx context.Context, snapshot map[string]store.Stamp, scanStart time.Time) ([]probeJob, Stats, error) {
	var stats Stats
	var jobs []probeJob
	var unchanged []string

	err := filepath.WalkDir(s.cfg.MediaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable root means the media directory itself is gone
			// or unmounted. Abort the scan before the mark phase would
			// write off the entire index.
			if path == s.cfg.MediaDir {
				return err
			}
			logging.Warn("Skipping %s: %v", path, err)
			stats.Errors++
			metrics.ScannerErrors.Inc()
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			// Hidden directories hold sidecar and trash data, not media.
			if name := d.Name(); name != "." && len(name) > 1 && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if !mediatypes.IsSupported(path) {
			return nil
		}

		stats.Scanned++
		s.filesScanned.Add(1)

		info, err := d.Info()
		if err != nil {
			logging.Warn("Failed to stat %s: %v", path, err)
			stats.Errors++
			metrics.ScannerErrors.Inc()
			return nil
		}

		old, known := snapshot[path]
		switch {
		case !known:
			jobs = append(jobs, probeJob{path: path, kind: Added, info: info})
		// Stamps persist at second precision; compare at that granularity
		// or every rescan would look like an update.
		case old.ModTime.Unix() != info.ModTime().Unix() || old.Size != info.Size():
			jobs = append(jobs, probeJob{path: path, kind: Updated, old: old, info: info})
		default:
			unchanged = append(unchanged, path)
			stats.Unchanged++
			metrics.ScannerEventsTotal.WithLabelValues(Unchanged.String()).Inc()
			s.emit(Event{
				Kind: Unchanged,
				Item: &store.MediaItem{
					Path:    path,
					Kind:    mediatypes.KindForPath(path),
					ModTime: old.ModTime,
					Size:    old.Size,
				},
				OldStamp: old,
			})
		}
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("walk failed: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].path < jobs[j].path })

	if len(unchanged) > 0 {
		if err := s.touchUnchanged(unchanged, scanStart); err != nil {
			return nil, stats, err
		}
	}
	return jobs, stats, nil
}

func (s *Scanner) touchUnchanged(paths []string, seen time.Time) error {
	tx, err := s.store.BeginBatch()
	if err != nil {
		return err
	}
	err = func() error {
		for _, p := range paths {
			if err := s.store.TouchLastSeen(tx, p, seen); err != nil {
				return err
			}
		}
		return nil
	}()
	return s.store.EndBatch(tx, err)
}

// processJobs probes changed files on a worker pool and upserts results
// in batches, emitting an event per item.
func (s *Scanner) processJobs(ctx context.Context, jobs []probeJob, stats *Stats, scanStart time.Time) error {
	if len(jobs) == 0 {
		return nil
	}

	type probed struct {
		job  probeJob
		dims Dimensions
		err  error
	}

	jobCh := make(chan probeJob)
	results := make([]probed, len(jobs))
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		index[j.path] = i
	}

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.ProbeWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				dims, err := Probe(job.path)
				results[index[job.path]] = probed{job: job, dims: dims, err: err}
			}
		}()
	}
	for _, j := range jobs {
		select {
		case jobCh <- j:
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(jobCh)
	wg.Wait()

	// Commit in sorted batches. Probe failures still get indexed with
	// zero dimensions so the item count stays truthful.
	batch := make([]*store.MediaItem, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		tx, err := s.store.BeginBatch()
		if err != nil {
			return err
		}
		err = func() error {
			for _, item := range batch {
				if err := s.store.UpsertItem(tx, item); err != nil {
					return err
				}
			}
			return nil
		}()
		if err := s.store.EndBatch(tx, err); err != nil {
			return err
		}
		batch = batch[:0]
		time.Sleep(batchDelay)
		return nil
	}

	for _, r := range results {
		if r.err != nil {
			logging.Warn("Probe failed for %s: %v", r.job.path, r.err)
			stats.Errors++
			metrics.ScannerErrors.Inc()
		}
		item := &store.MediaItem{
			Path:       r.job.path,
			Kind:       mediatypes.KindForPath(r.job.path),
			ModTime:    r.job.info.ModTime(),
			Size:       r.job.info.Size(),
			Width:      r.dims.Width,
			Height:     r.dims.Height,
			DurationMs: r.dims.DurationMs,
			LastSeen:   scanStart,
		}
		batch = append(batch, item)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}

		switch r.job.kind {
		case Added:
			stats.Added++
		case Updated:
			stats.Updated++
		}
		metrics.ScannerEventsTotal.WithLabelValues(r.job.kind.String()).Inc()
		s.emit(Event{Kind: r.job.kind, Item: item, OldStamp: r.job.old})
	}
	return flush()
}

// markMissing flags rows the walk never touched as stale and emits
// Removed events carrying their cached thumbnail paths. The rows survive
// in the store so a path that comes back, say after remounting a network
// share, is restored without a re-probe.
func (s *Scanner) markMissing(ctx context.Context, scanStart time.Time) (int, error) {
	// Collect the missing rows before marking so events carry the old
	// stamps the coordinator needs for thumbnail invalidation.
	missing, err := s.store.GetStale(ctx, scanStart)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale entries: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if _, err := s.store.MarkStale(ctx, scanStart); err != nil {
		return 0, fmt.Errorf("failed to mark stale entries: %w", err)
	}

	for _, item := range missing {
		metrics.ScannerEventsTotal.WithLabelValues(Removed.String()).Inc()
		s.emit(Event{
			Kind:      Removed,
			Item:      item,
			OldStamp:  store.Stamp{ModTime: item.ModTime, Size: item.Size},
			ThumbPath: item.ThumbPath,
		})
	}
	return len(missing), nil
}

// purgeExpired deletes stale rows whose last sighting predates the grace
// window and removes their cached thumbnails from disk.
func (s *Scanner) purgeExpired(ctx context.Context, scanStart time.Time) error {
	thumbs, err := s.store.PurgeStale(ctx, scanStart.Add(-s.cfg.PurgeAfter))
	if err != nil {
		return fmt.Errorf("failed to purge expired entries: %w", err)
	}
	for _, tp := range thumbs {
		if err := os.Remove(tp); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove thumbnail %s: %v", tp, err)
		}
	}
	return nil
}

// emit delivers an event without blocking a scan on a slow consumer.
func (s *Scanner) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logging.Warn("Event buffer full, dropping %s event for %s", ev.Kind, ev.Item.Path)
	}
}
