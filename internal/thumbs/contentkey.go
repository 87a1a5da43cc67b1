package thumbs

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"media-indexer/internal/store"
)

// keyVersion is folded into every content key. Bumping it orphans all
// existing cache files after a change to the thumbnail format.
const keyVersion = 1

// ContentKey identifies one rendition of one file state. Any change to
// the file's mtime or size yields a new key, so stale cache entries are
// never served, only abandoned.
type ContentKey uint64

// KeyFor derives the content key for a media item's current state.
func KeyFor(item *store.MediaItem) ContentKey {
	return keyFor(item.Path, item.ModTime, item.Size)
}

// KeyForStamp derives the key a previous file state would have used.
// The coordinator uses this to drop entries for the old state after an
// update.
func KeyForStamp(path string, stamp store.Stamp) ContentKey {
	return keyFor(path, stamp.ModTime, stamp.Size)
}

func keyFor(path string, mtime time.Time, size int64) ContentKey {
	h := xxhash.New()
	_, _ = h.Write([]byte{keyVersion})
	_, _ = h.WriteString(path)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(mtime.Unix()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(size))
	_, _ = h.Write(buf[:])
	return ContentKey(h.Sum64())
}

// FileName returns the disk cache file name for the key.
func (k ContentKey) FileName() string {
	return fmt.Sprintf("%016x.jpg", uint64(k))
}

func (k ContentKey) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}
