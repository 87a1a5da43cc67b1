package scanner

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"media-indexer/internal/logging"
	"media-indexer/internal/mediatypes"
)

// probeHeadBytes bounds how much of a video file the container sniffers
// read. Track headers for the supported formats live near the front.
const probeHeadBytes = 128 * 1024

// Dimensions holds the result of a metadata probe. A zero width and
// height means the probe failed; such items are still indexed and render
// as placeholders.
type Dimensions struct {
	Width      int
	Height     int
	DurationMs int64
}

// Probe extracts pixel dimensions for a media file without decoding it.
// Images use header-only decoding; videos use lightweight container
// sniffing. Probe never fails hard: unparseable files return zero
// dimensions and a non-nil error for the caller's error count.
func Probe(path string) (Dimensions, error) {
	switch mediatypes.KindForPath(path) {
	case mediatypes.KindImage:
		return probeImage(path)
	case mediatypes.KindVideo:
		return probeVideo(path)
	default:
		return Dimensions{}, fmt.Errorf("unsupported media type: %s", filepath.Ext(path))
	}
}

func probeImage(path string) (Dimensions, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dimensions{}, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logging.Error("failed to close %s: %v", path, closeErr)
		}
	}()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Dimensions{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

func probeVideo(path string) (Dimensions, error) {
	head, err := readHead(path, probeHeadBytes)
	if err != nil {
		return Dimensions{}, err
	}

	var w, h int
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov", ".m4v":
		w, h = sniffMP4(head)
	case ".mkv", ".webm":
		w, h = sniffMatroska(head)
	case ".avi":
		w, h = sniffAVI(head)
	default:
		return Dimensions{}, fmt.Errorf("no dimension sniffer for %s", filepath.Ext(path))
	}
	if w <= 0 || h <= 0 {
		return Dimensions{}, fmt.Errorf("could not locate track header in %s", filepath.Base(path))
	}
	return Dimensions{Width: w, Height: h}, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logging.Error("failed to close %s: %v", path, closeErr)
		}
	}()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

func plausibleDimension(v uint32) bool {
	return v > 0 && v < 65536
}

// sniffMP4 scans the ISO BMFF boxes for a tkhd track header, which stores
// width and height as 16.16 fixed point, falling back to the sample entry
// (avc1 and friends) which stores them as 16-bit integers.
func sniffMP4(buf []byte) (int, int) {
	for i := 0; i+92 <= len(buf); i++ {
		if string(buf[i:i+4]) != "tkhd" {
			continue
		}
		version := buf[i+4]
		off := i + 76
		if version == 1 {
			off = i + 88
		}
		if off+8 > len(buf) {
			continue
		}
		w := binary.BigEndian.Uint32(buf[off:]) >> 16
		h := binary.BigEndian.Uint32(buf[off+4:]) >> 16
		if plausibleDimension(w) && plausibleDimension(h) {
			return int(w), int(h)
		}
	}
	for i := 0; i+28 <= len(buf); i++ {
		tag := string(buf[i : i+4])
		if tag != "avc1" && tag != "hvc1" && tag != "mp4v" && tag != "vp09" {
			continue
		}
		w := uint32(binary.BigEndian.Uint16(buf[i+24:]))
		h := uint32(binary.BigEndian.Uint16(buf[i+26:]))
		if plausibleDimension(w) && plausibleDimension(h) {
			return int(w), int(h)
		}
	}
	return 0, 0
}

// sniffMatroska pattern-searches the EBML stream for the video track's
// PixelWidth (0xB0) and PixelHeight (0xBA) elements. Not a full EBML
// parser, but the track entry sits in the first few KB of most files.
func sniffMatroska(buf []byte) (int, int) {
	var w, h uint32
	for i := 0; i+8 < len(buf); i++ {
		switch buf[i] {
		case 0xB0:
			if v, ok := readEBMLUint(buf[i+1:]); ok {
				w = uint32(v)
			}
		case 0xBA:
			if v, ok := readEBMLUint(buf[i+1:]); ok {
				h = uint32(v)
			}
		}
		if w > 0 && h > 0 {
			return int(w), int(h)
		}
	}
	return 0, 0
}

// readEBMLUint reads a size-prefixed EBML unsigned integer. The leading
// zeros of the first byte give the length of the size field.
func readEBMLUint(data []byte) (uint64, bool) {
	if len(data) == 0 || data[0] == 0 {
		return 0, false
	}
	sizeLen := 1
	for mask := byte(0x80); mask > 0 && data[0]&mask == 0; mask >>= 1 {
		sizeLen++
	}
	if sizeLen > 8 || sizeLen >= len(data) {
		return 0, false
	}
	rest := data[sizeLen:]
	n := len(rest)
	if n > 4 {
		n = 4
	}
	var v uint64
	for _, b := range rest[:n] {
		v = v<<8 | uint64(b)
	}
	if !plausibleDimension(uint32(v)) {
		return 0, false
	}
	return v, true
}

// sniffAVI locates the strf chunk and reads biWidth and biHeight from the
// BITMAPINFOHEADER that follows.
func sniffAVI(buf []byte) (int, int) {
	for i := 0; i+48 <= len(buf); i++ {
		if string(buf[i:i+4]) != "strf" {
			continue
		}
		hdr := i + 8
		if hdr+12 > len(buf) {
			continue
		}
		w := int32(binary.LittleEndian.Uint32(buf[hdr+4:]))
		h := int32(binary.LittleEndian.Uint32(buf[hdr+8:]))
		// Negative height marks a top-down bitmap.
		if h < 0 {
			h = -h
		}
		if w < 0 {
			w = -w
		}
		if plausibleDimension(uint32(w)) && plausibleDimension(uint32(h)) {
			return int(w), int(h)
		}
	}
	return 0, 0
}
