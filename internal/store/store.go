package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"media-indexer/internal/logging"
	"media-indexer/internal/mediatypes"
	"media-indexer/internal/metrics"
)

// Default timeout for individual queries.
const defaultTimeout = 5 * time.Second

// Store manages all SQLite operations for the indexer.
type Store struct {
	db      *sql.DB
	dbPath  string
	mu      sync.RWMutex
	txStart time.Time
}

// Open opens (or creates) the store at dbPath. The parent directory must
// already exist and be writable; use startup.LoadConfig to validate it.
//
// A database that fails the integrity handshake is renamed aside and a
// fresh one is created in its place. Losing the store is acceptable: it is
// a cache of the filesystem and the next scan repopulates it.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	logging.Info("Store path: %s", dbPath)

	s, err := open(ctx, dbPath)
	if err == nil {
		return s, nil
	}
	if !isCorruption(err) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt.%d", dbPath, time.Now().Unix())
	logging.Error("Store at %s is corrupt, moving aside to %s and rebuilding: %v", dbPath, aside, err)
	if renameErr := os.Rename(dbPath, aside); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("failed to move corrupt store aside: %w", renameErr)
	}
	// WAL sidecars reference the old file; remove them so the rebuilt
	// store starts clean.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	metrics.StoreRebuilds.Inc()

	return open(ctx, dbPath)
}

func open(ctx context.Context, dbPath string) (*Store, error) {
	// WAL allows concurrent readers during the single writer's batches.
	// busy_timeout helps prevent "database is locked" errors.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close store after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	// Multiple readers, one writer.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close store after schema failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	logging.Info("Store initialized at %s", dbPath)
	return s, nil
}

// isCorruption reports whether err indicates a structurally damaged
// database file rather than an environmental problem.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "malformed database schema")
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS media (
		path        TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		mtime       INTEGER NOT NULL,
		size        INTEGER NOT NULL,
		width       INTEGER NOT NULL DEFAULT 0,
		height      INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		thumb_path  TEXT,
		thumb_w     INTEGER,
		thumb_h     INTEGER,
		last_seen   INTEGER NOT NULL,
		stale       INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_media_mtime ON media(mtime);
	CREATE INDEX IF NOT EXISTS idx_media_size ON media(size);
	CREATE INDEX IF NOT EXISTS idx_media_last_seen ON media(last_seen);

	CREATE TABLE IF NOT EXISTS layout_meta (
		width_bucket INTEGER NOT NULL,
		sort_key     TEXT NOT NULL,
		item_count   INTEGER NOT NULL,
		list_hash    INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (width_bucket, sort_key)
	);

	CREATE TABLE IF NOT EXISTS layout_rows (
		width_bucket INTEGER NOT NULL,
		sort_key     TEXT NOT NULL,
		row_index    INTEGER NOT NULL,
		row_height   REAL NOT NULL,
		start_index  INTEGER NOT NULL,
		end_index    INTEGER NOT NULL,
		PRIMARY KEY (width_bucket, sort_key, row_index)
	);
	`

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// A quick integrity probe catches corruption that sql.Open defers
	// until first real read.
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check(1)").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("database disk image is malformed: %s", result)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// BeginBatch starts a write transaction. All mutating calls that accept a
// *sql.Tx must run inside one; finish with EndBatch.
func (s *Store) BeginBatch() (*sql.Tx, error) {
	s.mu.Lock()
	txStart := time.Now()

	// Background context: the transaction's lifetime is managed by
	// EndBatch, not by a timeout that would fire on return.
	tx, err := s.db.BeginTx(context.Background(), nil)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	s.txStart = txStart
	return tx, nil
}

// EndBatch commits the transaction, or rolls it back when err is non-nil.
func (s *Store) EndBatch(tx *sql.Tx, err error) error {
	duration := time.Since(s.txStart).Seconds()

	if err != nil {
		metrics.StoreTxDuration.WithLabelValues("rollback").Observe(duration)
		rbErr := tx.Rollback()
		if rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
		return err
	}

	metrics.StoreTxDuration.WithLabelValues("commit").Observe(duration)
	return tx.Commit()
}

// UpsertItem inserts or updates one media row inside a batch transaction.
// last_seen is always refreshed; the metadata columns follow the caller's
// values so a re-probe after an mtime change lands atomically.
func (s *Store) UpsertItem(tx *sql.Tx, item *MediaItem) error {
	start := time.Now()
	query := `
	INSERT INTO media (path, kind, mtime, size, width, height, duration_ms, thumb_path, thumb_w, thumb_h, last_seen, stale)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(path) DO UPDATE SET
		kind = excluded.kind,
		mtime = excluded.mtime,
		size = excluded.size,
		width = excluded.width,
		height = excluded.height,
		duration_ms = excluded.duration_ms,
		thumb_path = excluded.thumb_path,
		thumb_w = excluded.thumb_w,
		thumb_h = excluded.thumb_h,
		last_seen = excluded.last_seen,
		stale = 0
	`

	var durationMs sql.NullInt64
	if item.DurationMs > 0 {
		durationMs = sql.NullInt64{Int64: item.DurationMs, Valid: true}
	}
	var thumbPath sql.NullString
	var thumbW, thumbH sql.NullInt64
	if item.ThumbPath != "" {
		thumbPath = sql.NullString{String: item.ThumbPath, Valid: true}
		thumbW = sql.NullInt64{Int64: int64(item.ThumbW), Valid: true}
		thumbH = sql.NullInt64{Int64: int64(item.ThumbH), Valid: true}
	}

	lastSeen := item.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}

	_, err := tx.ExecContext(context.Background(), query,
		item.Path,
		string(item.Kind),
		item.ModTime.Unix(),
		item.Size,
		item.Width,
		item.Height,
		durationMs,
		thumbPath,
		thumbW,
		thumbH,
		lastSeen.Unix(),
	)
	recordQuery("upsert_item", start, err)
	return err
}

// TouchLastSeen refreshes last_seen for an unchanged path inside a batch
// transaction, leaving the metadata columns alone. A path that had gone
// stale comes back live when it is seen again.
func (s *Store) TouchLastSeen(tx *sql.Tx, path string, seen time.Time) error {
	start := time.Now()
	_, err := tx.ExecContext(context.Background(),
		"UPDATE media SET last_seen = ?, stale = 0 WHERE path = ?", seen.Unix(), path)
	recordQuery("touch_last_seen", start, err)
	return err
}

// MarkThumbnail records a generated thumbnail's location and pixel size.
func (s *Store) MarkThumbnail(ctx context.Context, path, thumbPath string, w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"UPDATE media SET thumb_path = ?, thumb_w = ?, thumb_h = ? WHERE path = ?",
		thumbPath, w, h, path)
	recordQuery("mark_thumbnail", start, err)
	return err
}

// GetItem fetches one media row by path. Returns sql.ErrNoRows when the
// path is not indexed.
func (s *Store) GetItem(ctx context.Context, path string) (*MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
	SELECT path, kind, mtime, size, width, height, duration_ms, thumb_path, thumb_w, thumb_h, last_seen, stale
	FROM media WHERE path = ?`, path)

	item, err := scanItem(row)
	recordQuery("get_item", start, err)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// sortClause maps a sort order to its ORDER BY expression. Path is the tie
// breaker for mtime and size so an order is always deterministic.
func sortClause(order mediatypes.SortOrder) string {
	switch order {
	case mediatypes.SortByMtime:
		return "mtime DESC, path ASC"
	case mediatypes.SortBySize:
		return "size DESC, path ASC"
	default:
		return "path ASC"
	}
}

// GetAll returns every live indexed item in the given order. Stale rows,
// those missing from the last completed walk, are excluded so a transient
// unmount never leaks ghost tiles into the gallery.
func (s *Store) GetAll(ctx context.Context, order mediatypes.SortOrder) ([]*MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := `
	SELECT path, kind, mtime, size, width, height, duration_ms, thumb_path, thumb_w, thumb_h, last_seen, stale
	FROM media WHERE stale = 0 ORDER BY ` + sortClause(order)

	rows, err := s.db.QueryContext(ctx, query)
	recordQuery("get_all", start, err)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close rows: %v", closeErr)
		}
	}()

	var items []*MediaItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Snapshot returns the change-detection stamp for every indexed path.
// The scanner diffs a directory walk against this map.
func (s *Store) Snapshot(ctx context.Context) (map[string]Stamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT path, mtime, size FROM media")
	recordQuery("snapshot", start, err)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close rows: %v", closeErr)
		}
	}()

	snap := make(map[string]Stamp)
	for rows.Next() {
		var path string
		var mtime, size int64
		if err := rows.Scan(&path, &mtime, &size); err != nil {
			return nil, err
		}
		snap[path] = Stamp{ModTime: time.Unix(mtime, 0), Size: size}
	}
	return snap, rows.Err()
}

// Count returns the number of live indexed items.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media WHERE stale = 0").Scan(&n)
	recordQuery("count", start, err)
	if err != nil {
		return 0, err
	}
	metrics.StoreItems.Set(float64(n))
	return n, nil
}

// GetStale returns every live row whose last_seen predates cutoff. The
// scanner uses this to report removals before marking the rows stale.
func (s *Store) GetStale(ctx context.Context, cutoff time.Time) ([]*MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
	SELECT path, kind, mtime, size, width, height, duration_ms, thumb_path, thumb_w, thumb_h, last_seen, stale
	FROM media WHERE last_seen < ? AND stale = 0 ORDER BY path ASC`, cutoff.Unix())
	recordQuery("get_stale", start, err)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close rows: %v", closeErr)
		}
	}()

	var items []*MediaItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkStale flags live rows whose last_seen predates cutoff without
// deleting them. The rows drop out of reads immediately but survive in
// the table, so a path that comes back is restored with its metadata and
// thumbnail intact. Returns the number of rows marked.
func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		"UPDATE media SET stale = 1 WHERE last_seen < ? AND stale = 0", cutoff.Unix())
	recordQuery("mark_stale", start, err)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// PurgeStale deletes stale rows whose last_seen predates cutoff and
// returns the thumbnail paths of the deleted rows so their cache files
// can be removed. Only rows already marked stale are eligible; cutoff is
// the grace boundary, so a row must stay missing past it before its data
// is gone for good.
func (s *Store) PurgeStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT thumb_path FROM media WHERE stale = 1 AND last_seen < ? AND thumb_path IS NOT NULL",
		cutoff.Unix())
	if err != nil {
		recordQuery("purge_stale", start, err)
		return nil, err
	}
	var thumbs []string
	for rows.Next() {
		var tp string
		if err := rows.Scan(&tp); err != nil {
			_ = rows.Close()
			recordQuery("purge_stale", start, err)
			return nil, err
		}
		thumbs = append(thumbs, tp)
	}
	if err := rows.Close(); err != nil {
		logging.Error("failed to close rows: %v", err)
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM media WHERE stale = 1 AND last_seen < ?", cutoff.Unix())
	recordQuery("purge_stale", start, err)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		logging.Info("Purged %d stale entries from store", n)
	}
	return thumbs, nil
}

// GetLayoutMeta fetches the validity record for one layout slot, or
// sql.ErrNoRows when none is persisted.
func (s *Store) GetLayoutMeta(ctx context.Context, widthBucket int, sortKey string) (*LayoutMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var meta LayoutMeta
	var listHash int64
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
	SELECT width_bucket, sort_key, item_count, list_hash, updated_at
	FROM layout_meta WHERE width_bucket = ? AND sort_key = ?`,
		widthBucket, sortKey).Scan(
		&meta.WidthBucket, &meta.SortKey, &meta.ItemCount, &listHash, &updatedAt)
	recordQuery("get_layout_meta", start, err)
	if err != nil {
		return nil, err
	}
	meta.ListHash = uint64(listHash)
	meta.UpdatedAt = time.Unix(updatedAt, 0)
	return &meta, nil
}

// GetLayoutRows fetches the persisted row breaks for one layout slot in
// row order.
func (s *Store) GetLayoutRows(ctx context.Context, widthBucket int, sortKey string) ([]LayoutRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
	SELECT row_index, row_height, start_index, end_index
	FROM layout_rows WHERE width_bucket = ? AND sort_key = ?
	ORDER BY row_index ASC`, widthBucket, sortKey)
	recordQuery("get_layout_rows", start, err)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close rows: %v", closeErr)
		}
	}()

	var out []LayoutRow
	for rows.Next() {
		r := LayoutRow{WidthBucket: widthBucket, SortKey: sortKey}
		if err := rows.Scan(&r.RowIndex, &r.RowHeight, &r.StartIndex, &r.EndIndex); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutLayout replaces the persisted layout for one slot atomically: the old
// rows are deleted and the new meta and rows are written in a single
// transaction so readers never observe a half-written layout.
func (s *Store) PutLayout(ctx context.Context, meta *LayoutMeta, layoutRows []LayoutRow) error {
	tx, err := s.BeginBatch()
	if err != nil {
		return err
	}

	err = func() error {
		if _, err := tx.ExecContext(context.Background(),
			"DELETE FROM layout_rows WHERE width_bucket = ? AND sort_key = ?",
			meta.WidthBucket, meta.SortKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(context.Background(), `
		INSERT INTO layout_meta (width_bucket, sort_key, item_count, list_hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(width_bucket, sort_key) DO UPDATE SET
			item_count = excluded.item_count,
			list_hash = excluded.list_hash,
			updated_at = excluded.updated_at`,
			meta.WidthBucket, meta.SortKey, meta.ItemCount, int64(meta.ListHash),
			meta.UpdatedAt.Unix()); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(context.Background(), `
		INSERT INTO layout_rows (width_bucket, sort_key, row_index, row_height, start_index, end_index)
		VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := stmt.Close(); closeErr != nil {
				logging.Error("failed to close statement: %v", closeErr)
			}
		}()
		for _, r := range layoutRows {
			if _, err := stmt.ExecContext(context.Background(),
				meta.WidthBucket, meta.SortKey, r.RowIndex, r.RowHeight,
				r.StartIndex, r.EndIndex); err != nil {
				return err
			}
		}
		return nil
	}()

	return s.EndBatch(tx, err)
}

// InvalidateLayouts drops every persisted layout. Called when the item
// list changes; the next layout request recomputes from scratch.
func (s *Store) InvalidateLayouts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM layout_meta; DELETE FROM layout_rows;")
	recordQuery("invalidate_layouts", start, err)
	if err == nil {
		metrics.LayoutInvalidations.Inc()
	}
	return err
}

// Reset wipes every table. Used by the cold-start path of the benchmark.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM media; DELETE FROM layout_meta; DELETE FROM layout_rows;")
	recordQuery("reset", start, err)
	return err
}

// Vacuum reclaims space after large deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	_, err := s.db.ExecContext(ctx, "VACUUM")
	recordQuery("vacuum", start, err)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*MediaItem, error) {
	var item MediaItem
	var kind string
	var mtime, lastSeen int64
	var durationMs, thumbW, thumbH sql.NullInt64
	var thumbPath sql.NullString
	var stale int

	err := row.Scan(&item.Path, &kind, &mtime, &item.Size,
		&item.Width, &item.Height, &durationMs,
		&thumbPath, &thumbW, &thumbH, &lastSeen, &stale)
	if err != nil {
		return nil, err
	}

	item.Kind = mediatypes.MediaKind(kind)
	item.ModTime = time.Unix(mtime, 0)
	item.LastSeen = time.Unix(lastSeen, 0)
	item.DurationMs = durationMs.Int64
	item.ThumbPath = thumbPath.String
	item.ThumbW = int(thumbW.Int64)
	item.ThumbH = int(thumbH.Int64)
	item.Stale = stale != 0
	return &item, nil
}

func recordQuery(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.StoreQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.StoreQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// EnsureDir creates the parent directory for dbPath if missing. Kept as a
// helper for tests; production startup validates directories itself.
func EnsureDir(dbPath string) error {
	return os.MkdirAll(filepath.Dir(dbPath), 0o755)
}
