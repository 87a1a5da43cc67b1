package store

import (
	"time"

	"media-indexer/internal/mediatypes"
)

// MediaItem is one indexed media file. The path is the unique key.
//
// Width and height are always populated for a successfully probed item;
// DurationMs is populated only for videos. A width/height of zero marks an
// item whose probe failed (renderers show a placeholder for it).
type MediaItem struct {
	Path       string
	Kind       mediatypes.MediaKind
	ModTime    time.Time
	Size       int64
	Width      int
	Height     int
	DurationMs int64 // 0 = unknown / not a video
	ThumbPath  string
	ThumbW     int
	ThumbH     int
	LastSeen   time.Time
	Stale      bool // missing from the last completed walk; excluded from reads
}

// AspectRatio returns width/height, with a floor that keeps broken items
// (0x0) renderable as a square placeholder tile.
func (m *MediaItem) AspectRatio() float64 {
	if m.Width <= 0 || m.Height <= 0 {
		return 1.0
	}
	return float64(m.Width) / float64(m.Height)
}

// IsVideo reports whether the item is a video.
func (m *MediaItem) IsVideo() bool {
	return m.Kind == mediatypes.KindVideo
}

// Probed reports whether dimension extraction succeeded for this item.
func (m *MediaItem) Probed() bool {
	return m.Width > 0 && m.Height > 0
}

// Stamp is the cheap change-detection tuple for a path.
type Stamp struct {
	ModTime time.Time
	Size    int64
}

// LayoutMeta records the validity of a persisted layout for one
// (width bucket, sort key) pair.
type LayoutMeta struct {
	WidthBucket int
	SortKey     string
	ItemCount   int
	ListHash    uint64
	UpdatedAt   time.Time
}

// LayoutRow is one persisted row break.
type LayoutRow struct {
	WidthBucket int
	SortKey     string
	RowIndex    int
	RowHeight   float64
	StartIndex  int
	EndIndex    int
}
