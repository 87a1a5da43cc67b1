package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"media-indexer/internal/logging"
	"media-indexer/internal/store"
)

// Raster bounds applied before resizing. Oversized sources are shrunk at
// decode time to keep peak memory flat.
const (
	maxDecodeDimension = 4096
	maxDecodePixels    = 20_000_000
)

// A Decoder turns a media file into a raster ready for resizing.
// Implementations must be safe for concurrent use.
type Decoder interface {
	Name() string
	Available() bool
	Decode(ctx context.Context, item *store.MediaItem) (image.Image, error)
}

var (
	vipsOnce      sync.Once
	vipsAvailable bool
)

// InitVips starts libvips once with conservative memory settings. Safe
// to call from multiple places; only the first call does work.
func InitVips() {
	vipsOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Warn("libvips unavailable, using pure-Go decode path: %v", r)
				vipsAvailable = false
			}
		}()
		vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
			if level <= vips.LogLevelError {
				logging.Error("[%s] %s", domain, msg)
			}
		}, vips.LogLevelError)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: 1,
			MaxCacheMem:      50 * 1024 * 1024,
			MaxCacheSize:     100,
		})
		vipsAvailable = true
		logging.Info("libvips initialized (version: %s)", vips.Version)
	})
}

// ShutdownVips releases libvips resources at process exit.
func ShutdownVips() {
	if vipsAvailable {
		vips.Shutdown()
		vipsAvailable = false
	}
}

// CPUDecoder decodes on the host CPU. Images prefer libvips for its
// decode-time shrinking, falling back to pure-Go decoding; videos shell
// out to ffmpeg for a single frame.
type CPUDecoder struct {
	// TargetHeight hints the decode-time shrink. The pipeline still owns
	// the exact final resize.
	TargetHeight int
}

func (d *CPUDecoder) Name() string { return "cpu" }

func (d *CPUDecoder) Available() bool { return true }

func (d *CPUDecoder) Decode(ctx context.Context, item *store.MediaItem) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if item.IsVideo() {
		return d.decodeVideoFrame(ctx, item.Path)
	}
	return d.decodeImage(item.Path)
}

func (d *CPUDecoder) decodeImage(path string) (image.Image, error) {
	if vipsAvailable {
		img, err := d.decodeWithVips(path)
		if err == nil {
			return img, nil
		}
		logging.Debug("vips decode failed for %s, falling back: %v", path, err)
	}
	return decodeConstrained(path)
}

// decodeWithVips shrinks during decode to about twice the target height,
// leaving headroom for a high-quality final resize.
func (d *CPUDecoder) decodeWithVips(path string) (image.Image, error) {
	ref, err := vips.LoadImageFromFile(path, vips.NewImportParams())
	if err != nil {
		return nil, fmt.Errorf("vips failed to load image: %w", err)
	}
	defer ref.Close()

	hint := d.TargetHeight * 2
	if hint > 0 && ref.Height() > hint {
		scale := float64(hint) / float64(ref.Height())
		if err := ref.Resize(scale, vips.KernelLanczos3); err != nil {
			return nil, fmt.Errorf("vips shrink failed: %w", err)
		}
	}

	raw, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("vips export failed: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode vips output: %w", err)
	}
	return img, nil
}

// decodeConstrained loads an image with the pure-Go decoders, downscaling
// anything beyond the raster bounds in one pass.
func decodeConstrained(path string) (image.Image, error) {
	dims, err := headerDimensions(path)
	if err != nil {
		// Header probe failed; decode blind and hope the image is sane.
		return imaging.Open(path, imaging.AutoOrientation(true))
	}

	w, h := dims.Width, dims.Height
	if w <= maxDecodeDimension && h <= maxDecodeDimension && w*h <= maxDecodePixels {
		return imaging.Open(path, imaging.AutoOrientation(true))
	}

	tw, th := w, h
	if w > maxDecodeDimension || h > maxDecodeDimension {
		if w > h {
			tw, th = maxDecodeDimension, h*maxDecodeDimension/w
		} else {
			tw, th = w*maxDecodeDimension/h, maxDecodeDimension
		}
	}
	if tw*th > maxDecodePixels {
		scale := float64(maxDecodePixels) / float64(tw*th)
		tw = int(float64(tw) * scale)
		th = int(float64(th) * scale)
	}

	logging.Debug("Constraining large image %s from %dx%d to %dx%d", path, w, h, tw, th)
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return imaging.Resize(img, tw, th, imaging.Lanczos), nil
}

func headerDimensions(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logging.Warn("failed to close %s: %v", path, closeErr)
		}
	}()
	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}

// decodeVideoFrame extracts one frame via ffmpeg, preferring the one
// second mark and retrying from the start for very short clips.
func (d *CPUDecoder) decodeVideoFrame(ctx context.Context, path string) (image.Image, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	frame, err := runFFmpeg(ctx, "-ss", "00:00:01", "-i", path,
		"-vframes", "1", "-f", "image2pipe", "-vcodec", "png", "-")
	if err != nil {
		logging.Debug("ffmpeg seek attempt failed for %s: %v", path, err)
		frame, err = runFFmpeg(ctx, "-i", path,
			"-vframes", "1", "-f", "image2pipe", "-vcodec", "png", "-")
		if err != nil {
			return nil, err
		}
	}

	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

func runFFmpeg(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v, stderr: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}

// GPUDecoder is the offload seam for hardware-accelerated decoding. No
// backend is wired up yet, so it always reports unavailable and the
// pipeline falls through to the CPU path.
type GPUDecoder struct{}

func (d *GPUDecoder) Name() string { return "gpu" }

func (d *GPUDecoder) Available() bool { return false }

func (d *GPUDecoder) Decode(ctx context.Context, item *store.MediaItem) (image.Image, error) {
	return nil, fmt.Errorf("gpu decode backend not available")
}
