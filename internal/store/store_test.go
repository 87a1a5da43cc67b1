package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-indexer/internal/mediatypes"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return st, dbPath
}

func testItem(path string, mtime time.Time) *MediaItem {
	return &MediaItem{
		Path:    path,
		Kind:    mediatypes.KindImage,
		ModTime: mtime,
		Size:    1234,
		Width:   800,
		Height:  600,
	}
}

func upsertOne(t *testing.T, st *Store, item *MediaItem) {
	t.Helper()
	tx, err := st.BeginBatch()
	if err != nil {
		t.Fatalf("BeginBatch() error: %v", err)
	}
	err = st.UpsertItem(tx, item)
	if err := st.EndBatch(tx, err); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	upsertOne(t, st, testItem("/media/a.jpg", mtime))

	got, err := st.GetItem(ctx, "/media/a.jpg")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if got.Kind != mediatypes.KindImage || got.Width != 800 || got.Height != 600 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if !got.ModTime.Equal(mtime) {
		t.Errorf("mtime = %v, want %v", got.ModTime, mtime)
	}
	if got.LastSeen.IsZero() {
		t.Error("last_seen not populated")
	}

	// Conflict on path updates in place.
	updated := testItem("/media/a.jpg", mtime.Add(time.Hour))
	updated.Width = 1024
	upsertOne(t, st, updated)

	got, err = st.GetItem(ctx, "/media/a.jpg")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if got.Width != 1024 {
		t.Errorf("width after upsert = %d, want 1024", got.Width)
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestGetItemMissing(t *testing.T) {
	st, _ := openTest(t)
	_, err := st.GetItem(context.Background(), "/nowhere.jpg")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestGetAllSortOrders(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	specs := []struct {
		path  string
		mtime time.Time
		size  int64
	}{
		{"/media/b.jpg", base.Add(2 * time.Hour), 100},
		{"/media/a.jpg", base, 300},
		{"/media/c.jpg", base.Add(time.Hour), 200},
	}
	for _, s := range specs {
		item := testItem(s.path, s.mtime)
		item.Size = s.size
		upsertOne(t, st, item)
	}

	tests := []struct {
		order mediatypes.SortOrder
		want  []string
	}{
		{mediatypes.SortByPath, []string{"/media/a.jpg", "/media/b.jpg", "/media/c.jpg"}},
		{mediatypes.SortByMtime, []string{"/media/b.jpg", "/media/c.jpg", "/media/a.jpg"}},
		{mediatypes.SortBySize, []string{"/media/a.jpg", "/media/c.jpg", "/media/b.jpg"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			items, err := st.GetAll(ctx, tt.order)
			if err != nil {
				t.Fatalf("GetAll() error: %v", err)
			}
			if len(items) != len(tt.want) {
				t.Fatalf("got %d items, want %d", len(items), len(tt.want))
			}
			for i, want := range tt.want {
				if items[i].Path != want {
					t.Errorf("position %d = %s, want %s", i, items[i].Path, want)
				}
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	upsertOne(t, st, testItem("/media/a.jpg", mtime))
	upsertOne(t, st, testItem("/media/b.jpg", mtime.Add(time.Minute)))

	snap, err := st.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	stamp, ok := snap["/media/a.jpg"]
	if !ok {
		t.Fatal("snapshot missing /media/a.jpg")
	}
	if !stamp.ModTime.Equal(mtime) || stamp.Size != 1234 {
		t.Errorf("stamp = %+v", stamp)
	}
}

func TestMarkStaleRetainsRow(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	old := testItem("/media/old.jpg", mtime)
	old.LastSeen = time.Now().Add(-time.Hour)
	old.ThumbPath = "/cache/old.jpg"
	upsertOne(t, st, old)

	fresh := testItem("/media/fresh.jpg", mtime)
	fresh.LastSeen = time.Now().Add(time.Hour)
	upsertOne(t, st, fresh)

	stale, err := st.GetStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("GetStale() error: %v", err)
	}
	if len(stale) != 1 || stale[0].Path != "/media/old.jpg" {
		t.Fatalf("GetStale() = %+v, want only old.jpg", stale)
	}

	n, err := st.MarkStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("MarkStale() error: %v", err)
	}
	if n != 1 {
		t.Errorf("MarkStale() = %d, want 1", n)
	}

	// The row drops out of reads but survives in the table with its
	// metadata intact.
	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("Count() after mark = %d, want 1", n)
	}
	items, err := st.GetAll(ctx, mediatypes.SortByPath)
	if err != nil {
		t.Fatalf("GetAll() error: %v", err)
	}
	if len(items) != 1 || items[0].Path != "/media/fresh.jpg" {
		t.Errorf("GetAll() = %+v, want only fresh.jpg", items)
	}
	got, err := st.GetItem(ctx, "/media/old.jpg")
	if err != nil {
		t.Fatalf("GetItem() after mark error: %v", err)
	}
	if !got.Stale {
		t.Error("marked row not flagged stale")
	}
	if got.ThumbPath != "/cache/old.jpg" {
		t.Errorf("marked row lost thumb path: %q", got.ThumbPath)
	}

	// Stale rows are no longer mark candidates.
	again, err := st.GetStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("GetStale() error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("GetStale() after mark = %+v, want none", again)
	}
}

func TestPurgeStaleHonorsGrace(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	old := testItem("/media/old.jpg", mtime)
	old.LastSeen = time.Now().Add(-time.Hour)
	old.ThumbPath = "/cache/old.jpg"
	upsertOne(t, st, old)

	// Unmarked rows are never purged, however old their last sighting.
	thumbs, err := st.PurgeStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeStale() error: %v", err)
	}
	if len(thumbs) != 0 {
		t.Errorf("purged live row, thumbs = %v", thumbs)
	}
	if _, err := st.GetItem(ctx, "/media/old.jpg"); err != nil {
		t.Fatalf("live row gone after purge: %v", err)
	}

	if _, err := st.MarkStale(ctx, time.Now()); err != nil {
		t.Fatalf("MarkStale() error: %v", err)
	}

	// A marked row inside the grace window stays put.
	thumbs, err = st.PurgeStale(ctx, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("PurgeStale() error: %v", err)
	}
	if len(thumbs) != 0 {
		t.Errorf("purged inside grace window, thumbs = %v", thumbs)
	}

	// Past the grace boundary the row and its thumb path go.
	thumbs, err = st.PurgeStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeStale() error: %v", err)
	}
	if len(thumbs) != 1 || thumbs[0] != "/cache/old.jpg" {
		t.Errorf("purged thumbs = %v, want [/cache/old.jpg]", thumbs)
	}
	if _, err := st.GetItem(ctx, "/media/old.jpg"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err after purge = %v, want sql.ErrNoRows", err)
	}
}

func TestStaleRowComesBackOnTouch(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	item := testItem("/media/a.jpg", mtime)
	item.LastSeen = time.Now().Add(-time.Hour)
	upsertOne(t, st, item)

	if _, err := st.MarkStale(ctx, time.Now()); err != nil {
		t.Fatalf("MarkStale() error: %v", err)
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Fatalf("Count() after mark = %d, want 0", n)
	}

	tx, err := st.BeginBatch()
	if err != nil {
		t.Fatalf("BeginBatch() error: %v", err)
	}
	err = st.TouchLastSeen(tx, "/media/a.jpg", time.Now())
	if err := st.EndBatch(tx, err); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	if n, _ := st.Count(ctx); n != 1 {
		t.Errorf("Count() after touch = %d, want 1", n)
	}
	got, err := st.GetItem(ctx, "/media/a.jpg")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if got.Stale {
		t.Error("touched row still flagged stale")
	}
}

func TestTouchLastSeen(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	mtime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	item := testItem("/media/a.jpg", mtime)
	item.LastSeen = time.Now().Add(-24 * time.Hour)
	upsertOne(t, st, item)

	seen := time.Now().Truncate(time.Second)
	tx, err := st.BeginBatch()
	if err != nil {
		t.Fatalf("BeginBatch() error: %v", err)
	}
	err = st.TouchLastSeen(tx, "/media/a.jpg", seen)
	if err := st.EndBatch(tx, err); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	got, err := st.GetItem(ctx, "/media/a.jpg")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if !got.LastSeen.Equal(seen) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, seen)
	}
	if !got.ModTime.Equal(mtime) {
		t.Errorf("touch changed mtime: %v", got.ModTime)
	}
}

func TestMarkThumbnail(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	upsertOne(t, st, testItem("/media/a.jpg", time.Now()))

	if err := st.MarkThumbnail(ctx, "/media/a.jpg", "/cache/abc.jpg", 320, 240); err != nil {
		t.Fatalf("MarkThumbnail() error: %v", err)
	}
	got, err := st.GetItem(ctx, "/media/a.jpg")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if got.ThumbPath != "/cache/abc.jpg" || got.ThumbW != 320 || got.ThumbH != 240 {
		t.Errorf("thumbnail fields = %q %dx%d", got.ThumbPath, got.ThumbW, got.ThumbH)
	}
}

func TestLayoutCacheRoundtrip(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	meta := &LayoutMeta{
		WidthBucket: 24,
		SortKey:     "path",
		ItemCount:   5,
		ListHash:    0xdeadbeefcafef00d,
		UpdatedAt:   time.Now(),
	}
	rows := []LayoutRow{
		{WidthBucket: 24, SortKey: "path", RowIndex: 0, RowHeight: 200, StartIndex: 0, EndIndex: 4},
		{WidthBucket: 24, SortKey: "path", RowIndex: 1, RowHeight: 240, StartIndex: 4, EndIndex: 5},
	}
	if err := st.PutLayout(ctx, meta, rows); err != nil {
		t.Fatalf("PutLayout() error: %v", err)
	}

	gotMeta, err := st.GetLayoutMeta(ctx, 24, "path")
	if err != nil {
		t.Fatalf("GetLayoutMeta() error: %v", err)
	}
	if gotMeta.ListHash != meta.ListHash || gotMeta.ItemCount != 5 {
		t.Errorf("meta = %+v", gotMeta)
	}

	gotRows, err := st.GetLayoutRows(ctx, 24, "path")
	if err != nil {
		t.Fatalf("GetLayoutRows() error: %v", err)
	}
	if len(gotRows) != 2 {
		t.Fatalf("got %d rows, want 2", len(gotRows))
	}
	if gotRows[0].RowHeight != 200 || gotRows[1].StartIndex != 4 {
		t.Errorf("rows = %+v", gotRows)
	}

	// Replacing a slot drops the old rows entirely.
	meta.ItemCount = 3
	if err := st.PutLayout(ctx, meta, rows[:1]); err != nil {
		t.Fatalf("PutLayout() replace error: %v", err)
	}
	gotRows, err = st.GetLayoutRows(ctx, 24, "path")
	if err != nil {
		t.Fatalf("GetLayoutRows() error: %v", err)
	}
	if len(gotRows) != 1 {
		t.Errorf("after replace got %d rows, want 1", len(gotRows))
	}

	if err := st.InvalidateLayouts(ctx); err != nil {
		t.Fatalf("InvalidateLayouts() error: %v", err)
	}
	if _, err := st.GetLayoutMeta(ctx, 24, "path"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("meta after invalidate: err = %v, want sql.ErrNoRows", err)
	}
}

func TestReset(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	upsertOne(t, st, testItem("/media/a.jpg", time.Now()))

	if err := st.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Errorf("Count() after reset = %d, want 0", n)
	}
}

func TestOpenRebuildsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "corrupt.db")
	if err := os.WriteFile(dbPath, []byte("this is not a sqlite database at all"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	st, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open() on corrupt file error: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	}()

	// The rebuilt store works and the damaged file was moved aside.
	upsertOne(t, st, testItem("/media/a.jpg", time.Now()))
	if n, _ := st.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	foundAside := false
	for _, e := range entries {
		if len(e.Name()) > len("corrupt.db.corrupt.") && e.Name()[:len("corrupt.db.corrupt.")] == "corrupt.db.corrupt." {
			foundAside = true
		}
	}
	if !foundAside {
		t.Error("corrupt file was not moved aside")
	}
}
