// Command bench runs the indexing pipeline synchronously over a media
// directory and prints per-stage timings.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"media-indexer/internal/bench"
)

func main() {
	var opts bench.Options
	var timeoutMs int

	flag.StringVar(&opts.MediaDir, "path", "", "media directory to index (required)")
	flag.StringVar(&opts.WorkDir, "work-dir", "bench-out", "directory for the benchmark store and thumbnail cache")
	flag.IntVar(&opts.Runs, "runs", 1, "number of passes")
	flag.BoolVar(&opts.ColdCache, "cold-cache", false, "wipe the store and thumbnail cache before each run")
	flag.IntVar(&opts.ThumbLimit, "thumb-limit", 0, "max thumbnails per run (0 = all)")
	flag.IntVar(&opts.VisibleCount, "visible-count", 24, "items requested at visible priority")
	flag.IntVar(&opts.Workers, "workers", 0, "thumbnail workers (0 = auto)")
	flag.BoolVar(&opts.FastResize, "fast-resize", false, "use the fast resize filter")
	flag.IntVar(&timeoutMs, "timeout-ms", 0, "per-item decode timeout in milliseconds (0 = none)")
	flag.IntVar(&opts.ViewportWidth, "viewport-width", 1200, "layout viewport width in pixels")
	flag.Parse()

	if opts.MediaDir == "" {
		fmt.Fprintln(os.Stderr, "bench: -path is required")
		flag.Usage()
		os.Exit(2)
	}
	opts.ItemTimeout = time.Duration(timeoutMs) * time.Millisecond

	results, err := bench.Run(context.Background(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		os.Exit(1)
	}
	bench.Report(results)
}
