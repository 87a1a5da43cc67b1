package mediatypes

import (
	"path/filepath"
	"strings"
)

// MediaKind represents the kind of a media file.
type MediaKind string

const (
	// KindImage represents an image file.
	KindImage MediaKind = "image"
	// KindVideo represents a video file.
	KindVideo MediaKind = "video"
	// KindOther represents an unknown or unsupported file type.
	KindOther MediaKind = "other"
)

// SortOrder specifies the ordering of indexed items.
type SortOrder string

const (
	// SortByPath orders items by full path (the default scan order).
	SortByPath SortOrder = "path"
	// SortByMtime orders items by modification time, newest first.
	SortByMtime SortOrder = "mtime"
	// SortBySize orders items by file size, largest first.
	SortBySize SortOrder = "size"
)

// Valid reports whether the sort order is one the store understands.
func (s SortOrder) Valid() bool {
	switch s {
	case SortByPath, SortByMtime, SortBySize:
		return true
	}
	return false
}

// ImageExtensions maps file extensions to whether they are supported image formats.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tiff": true,
	".tif":  true,
}

// VideoExtensions maps file extensions to whether they are supported video formats.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".ts":   true,
}

// KindForExt returns the MediaKind for a given file extension.
// The extension should be lowercase and include the leading dot (e.g., ".jpg").
// Returns KindOther if the extension is not recognized.
func KindForExt(ext string) MediaKind {
	if ImageExtensions[ext] {
		return KindImage
	}
	if VideoExtensions[ext] {
		return KindVideo
	}
	return KindOther
}

// KindForPath classifies a path by its extension.
func KindForPath(path string) MediaKind {
	return KindForExt(strings.ToLower(filepath.Ext(path)))
}

// IsSupported reports whether the path has a recognized media extension.
func IsSupported(path string) bool {
	return KindForPath(path) != KindOther
}
