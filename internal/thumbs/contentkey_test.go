package thumbs

import (
	"strings"
	"testing"
	"time"

	"media-indexer/internal/store"
)

func TestKeyForStability(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	item := &store.MediaItem{Path: "/media/a.jpg", ModTime: mtime, Size: 1234}

	if KeyFor(item) != KeyFor(item) {
		t.Error("key is not deterministic")
	}
	if KeyFor(item) != KeyForStamp(item.Path, store.Stamp{ModTime: mtime, Size: 1234}) {
		t.Error("KeyFor and KeyForStamp disagree for identical inputs")
	}

	// Sub-second precision must not affect the key; stamps round-trip
	// through storage at whole seconds.
	jittered := &store.MediaItem{Path: item.Path, ModTime: mtime.Add(500 * time.Millisecond), Size: 1234}
	if KeyFor(item) != KeyFor(jittered) {
		t.Error("sub-second mtime jitter changed the key")
	}
}

func TestKeyForChanges(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	base := &store.MediaItem{Path: "/media/a.jpg", ModTime: mtime, Size: 1234}

	tests := []struct {
		name string
		item *store.MediaItem
	}{
		{"path", &store.MediaItem{Path: "/media/b.jpg", ModTime: mtime, Size: 1234}},
		{"mtime", &store.MediaItem{Path: base.Path, ModTime: mtime.Add(time.Second), Size: 1234}},
		{"size", &store.MediaItem{Path: base.Path, ModTime: mtime, Size: 1235}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if KeyFor(base) == KeyFor(tt.item) {
				t.Errorf("%s change did not change the key", tt.name)
			}
		})
	}
}

func TestContentKeyFileName(t *testing.T) {
	name := ContentKey(0xabc).FileName()
	if name != "0000000000000abc.jpg" {
		t.Errorf("FileName() = %q, want zero-padded hex with .jpg suffix", name)
	}
	if !strings.HasSuffix(ContentKey(0).FileName(), ".jpg") {
		t.Error("zero key lost its extension")
	}
}
