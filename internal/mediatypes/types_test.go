package mediatypes

import (
	"testing"
)

func TestKindForExt(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want MediaKind
	}{
		{
			name: "JPEG image",
			ext:  ".jpg",
			want: KindImage,
		},
		{
			name: "PNG image",
			ext:  ".png",
			want: KindImage,
		},
		{
			name: "WebP image",
			ext:  ".webp",
			want: KindImage,
		},
		{
			name: "MP4 video",
			ext:  ".mp4",
			want: KindVideo,
		},
		{
			name: "MKV video",
			ext:  ".mkv",
			want: KindVideo,
		},
		{
			name: "Unknown extension",
			ext:  ".xyz",
			want: KindOther,
		},
		{
			name: "Empty extension",
			ext:  "",
			want: KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KindForExt(tt.ext)
			if got != tt.want {
				t.Errorf("KindForExt(%q) = %v, want %v", tt.ext, got, tt.want)
			}
		})
	}
}

func TestKindForPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want MediaKind
	}{
		{
			name: "Nested image path",
			path: "/media/vacation/IMG_0042.jpg",
			want: KindImage,
		},
		{
			name: "Uppercase extension",
			path: "/media/IMG_0042.JPG",
			want: KindImage,
		},
		{
			name: "Video path",
			path: "/media/clips/beach.MOV",
			want: KindVideo,
		},
		{
			name: "No extension",
			path: "/media/README",
			want: KindOther,
		},
		{
			name: "Sidecar file",
			path: "/media/IMG_0042.jpg.xmp",
			want: KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KindForPath(tt.path)
			if got != tt.want {
				t.Errorf("KindForPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIsSupported(t *testing.T) {
	if !IsSupported("/media/a.png") {
		t.Error("IsSupported(.png) = false, want true")
	}
	if IsSupported("/media/notes.txt") {
		t.Error("IsSupported(.txt) = true, want false")
	}
}

func TestSortOrderValid(t *testing.T) {
	for _, s := range []SortOrder{SortByPath, SortByMtime, SortBySize} {
		if !s.Valid() {
			t.Errorf("SortOrder(%q).Valid() = false, want true", s)
		}
	}
	if SortOrder("random").Valid() {
		t.Error("unknown sort order reported valid")
	}
	if SortOrder("").Valid() {
		t.Error("empty sort order reported valid")
	}
}
