package scanner

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Fatalf("failed to close %s: %v", path, err)
		}
	}()

	switch filepath.Ext(name) {
	case ".png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
	return path
}

func TestProbeImages(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		w, h int
	}{
		{"small.png", 8, 6},
		{"portrait.png", 40, 80},
		{"photo.jpg", 64, 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, dir, tt.name, tt.w, tt.h)
			dims, err := Probe(path)
			if err != nil {
				t.Fatalf("Probe() error: %v", err)
			}
			if dims.Width != tt.w || dims.Height != tt.h {
				t.Errorf("dims = %dx%d, want %dx%d", dims.Width, dims.Height, tt.w, tt.h)
			}
		})
	}
}

func TestProbeBrokenImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	dims, err := Probe(path)
	if err == nil {
		t.Fatal("Probe() on garbage succeeded")
	}
	if dims.Width != 0 || dims.Height != 0 {
		t.Errorf("broken file dims = %dx%d, want 0x0", dims.Width, dims.Height)
	}
}

func TestProbeUnsupported(t *testing.T) {
	if _, err := Probe("/tmp/readme.txt"); err == nil {
		t.Error("Probe() accepted an unsupported extension")
	}
}

func TestSniffMP4(t *testing.T) {
	buf := make([]byte, 256)
	copy(buf[16:], "tkhd")
	// version 0: dimensions live 76 bytes past the tag as 16.16 fixed point
	binary.BigEndian.PutUint32(buf[16+76:], 1920<<16)
	binary.BigEndian.PutUint32(buf[16+80:], 1080<<16)

	w, h := sniffMP4(buf)
	if w != 1920 || h != 1080 {
		t.Errorf("sniffMP4 = %dx%d, want 1920x1080", w, h)
	}
}

func TestSniffMP4SampleEntryFallback(t *testing.T) {
	buf := make([]byte, 128)
	copy(buf[32:], "avc1")
	binary.BigEndian.PutUint16(buf[32+24:], 1280)
	binary.BigEndian.PutUint16(buf[32+26:], 720)

	w, h := sniffMP4(buf)
	if w != 1280 || h != 720 {
		t.Errorf("sniffMP4 = %dx%d, want 1280x720", w, h)
	}
}

func TestSniffMatroska(t *testing.T) {
	buf := make([]byte, 64)
	// PixelWidth 1920 and PixelHeight 1080, zero-padded so the value
	// parse stays in range.
	copy(buf[8:], []byte{0xB0, 0x84, 0x00, 0x00, 0x07, 0x80})
	copy(buf[20:], []byte{0xBA, 0x84, 0x00, 0x00, 0x04, 0x38})

	w, h := sniffMatroska(buf)
	if w != 1920 || h != 1080 {
		t.Errorf("sniffMatroska = %dx%d, want 1920x1080", w, h)
	}
}

func TestSniffAVI(t *testing.T) {
	buf := make([]byte, 128)
	copy(buf[12:], "strf")
	hdr := 12 + 8
	height := int32(-480) // top-down bitmap
	binary.LittleEndian.PutUint32(buf[hdr+4:], 640)
	binary.LittleEndian.PutUint32(buf[hdr+8:], uint32(height))

	w, h := sniffAVI(buf)
	if w != 640 || h != 480 {
		t.Errorf("sniffAVI = %dx%d, want 640x480", w, h)
	}
}

func TestSniffGarbage(t *testing.T) {
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	if w, h := sniffMP4(buf); w != 0 || h != 0 {
		t.Errorf("sniffMP4 on noise = %dx%d", w, h)
	}
	if w, h := sniffAVI(buf); w != 0 || h != 0 {
		t.Errorf("sniffAVI on noise = %dx%d", w, h)
	}
}
