package thumbs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/singleflight"

	"media-indexer/internal/logging"
	"media-indexer/internal/metrics"
	"media-indexer/internal/store"
	"media-indexer/internal/workers"
)

const (
	// DefaultThumbHeight is the rendition height in pixels.
	DefaultThumbHeight = 240

	// DefaultBatchInterval paces completion delivery. Results landing
	// within one interval arrive as a single batch.
	DefaultBatchInterval = 50 * time.Millisecond

	// jpegQuality for encoded thumbnails.
	jpegQuality = 80

	// maxWorkers caps the pool regardless of core count.
	maxWorkers = 8
)

// ErrDropped reports a request displaced by higher-priority work. The
// caller may simply re-request.
var ErrDropped = errors.New("request dropped from queue")

// ErrStopped reports a request abandoned because the pipeline shut down.
var ErrStopped = errors.New("pipeline stopped")

// ResizeQuality selects the final-resize filter.
type ResizeQuality int

const (
	// QualityHigh uses Lanczos resampling.
	QualityHigh ResizeQuality = iota
	// QualityFast trades sharpness for speed with a box filter.
	QualityFast
)

// Config controls the pipeline.
type Config struct {
	CacheDir      string
	ThumbHeight   int
	Workers       int
	QueueBound    int
	MemoryBudget  int64
	BatchInterval time.Duration
	// ItemTimeout abandons a stalled decode. Zero disables the deadline.
	ItemTimeout time.Duration
	Quality     ResizeQuality
}

// Result is one finished request. Exactly one of Data or Err is set.
// The stage durations cover this generation; cache hits report only
// QueueWait and Worker.
type Result struct {
	Item   *store.MediaItem
	Key    ContentKey
	Data   []byte
	Width  int
	Height int
	// Source is "memory", "disk" or "decode".
	Source string
	Err    error

	QueueWait time.Duration
	Worker    time.Duration
	Decode    time.Duration
	Resize    time.Duration
	Encode    time.Duration
}

type request struct {
	item     *store.MediaItem
	key      ContentKey
	enqueued time.Time

	p *Pipeline
}

func (r *request) fail(err error) {
	r.p.complete(Result{Item: r.item, Key: r.key, Err: err})
}

// Pipeline owns both thumbnail cache tiers and the worker pool that
// fills them.
type Pipeline struct {
	cfg     Config
	store   *store.Store
	queue   *priorityQueue
	mem     *memCache
	cpu     Decoder
	gpu     Decoder
	group   singleflight.Group
	results chan []Result
	pending chan Result

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewPipeline builds a pipeline over the given store. Start must be
// called before requests are served.
func NewPipeline(st *store.Store, cfg Config) *Pipeline {
	if cfg.ThumbHeight <= 0 {
		cfg.ThumbHeight = DefaultThumbHeight
	}
	if cfg.Workers <= 0 {
		cfg.Workers = workers.ForCPU(maxWorkers)
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		queue:   newPriorityQueue(cfg.QueueBound),
		mem:     newMemCache(cfg.MemoryBudget),
		cpu:     &CPUDecoder{TargetHeight: cfg.ThumbHeight},
		gpu:     &GPUDecoder{},
		results: make(chan []Result, 16),
		pending: make(chan Result, 512),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool and the completion batcher.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create thumbnail cache dir: %w", err)
	}
	InitVips()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go p.batcher()

	logging.Info("Thumbnail pipeline started: %d workers, %d px height, %d MB memory budget",
		p.cfg.Workers, p.cfg.ThumbHeight, p.mem.budget>>20)
	return nil
}

// Stop drains the queue, failing pending requests, and closes the
// results stream after in-flight work finishes.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		for _, req := range p.queue.drain() {
			req.fail(ErrStopped)
		}
		p.queue.Close()
		p.wg.Wait()
		close(p.done)
	})
}

// Results delivers completion batches. Closed after Stop once in-flight
// work lands.
func (p *Pipeline) Results() <-chan []Result {
	return p.results
}

// Request asks for a thumbnail of the item's current state. A memory
// cache hit completes immediately; anything else is queued at the given
// priority. Returns false when the queue rejected the request.
func (p *Pipeline) Request(item *store.MediaItem, priority int) bool {
	select {
	case <-p.stopped:
		return false
	default:
	}
	key := KeyFor(item)
	if data, ok := p.mem.Get(key); ok {
		metrics.ThumbGenerations.WithLabelValues("memory", "success").Inc()
		p.complete(Result{Item: item, Key: key, Data: data, Source: "memory"})
		return true
	}
	req := &request{item: item, key: key, enqueued: time.Now(), p: p}
	return p.queue.Push(req, priority)
}

// Cancel withdraws a still-pending request for the item. In-flight work
// is not interrupted.
func (p *Pipeline) Cancel(item *store.MediaItem) {
	p.queue.Cancel(KeyFor(item))
}

// Invalidate removes a content key from both cache tiers. Used by the
// coordinator when a file changes or disappears; the new state's key is
// populated lazily by the next request.
func (p *Pipeline) Invalidate(key ContentKey) {
	p.mem.Remove(key)
	path := filepath.Join(p.cfg.CacheDir, key.FileName())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove cached thumbnail %s: %v", path, err)
	}
}

// Release drops a key from the memory tier only, leaving the disk file
// in place. Used for items that have gone missing but may come back; the
// scanner's grace purge deletes the file if they never do.
func (p *Pipeline) Release(key ContentKey) {
	p.mem.Remove(key)
}

// OnMemoryPressure sheds the memory tier down to its watermark. Wire
// this to the memory monitor's pressure signal.
func (p *Pipeline) OnMemoryPressure() {
	p.mem.Shed()
}

// MemoryUsed reports the memory tier's current size in bytes.
func (p *Pipeline) MemoryUsed() int64 {
	return p.mem.Used()
}

// QueueLen reports the number of pending requests.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		req, ok := p.queue.Pop()
		if !ok {
			return
		}
		select {
		case <-p.stopped:
			req.fail(ErrStopped)
			return
		case <-ctx.Done():
			req.fail(ctx.Err())
			return
		default:
		}
		p.serve(ctx, req)
	}
}

func (p *Pipeline) serve(ctx context.Context, req *request) {
	queueWait := time.Since(req.enqueued)
	metrics.ThumbStageDuration.WithLabelValues("queue_wait").Observe(queueWait.Seconds())

	workerStart := time.Now()

	// Coalesce concurrent requests for the same content key: one decode,
	// shared bytes.
	v, err, _ := p.group.Do(req.key.String(), func() (any, error) {
		res := p.generate(ctx, req.item, req.key)
		if res.Err != nil {
			return nil, res.Err
		}
		return res, nil
	})

	result := Result{Item: req.item, Key: req.key, QueueWait: queueWait}
	if err != nil {
		result.Err = err
	} else {
		shared := v.(Result)
		result.Data = shared.Data
		result.Width = shared.Width
		result.Height = shared.Height
		result.Source = shared.Source
		result.Decode = shared.Decode
		result.Resize = shared.Resize
		result.Encode = shared.Encode
	}
	result.Worker = time.Since(workerStart)
	metrics.ThumbStageDuration.WithLabelValues("worker").Observe(result.Worker.Seconds())
	p.complete(result)
}

// generate runs the tier walk for one content key: disk cache, then full
// decode. The memory tier was already consulted at Request time.
func (p *Pipeline) generate(ctx context.Context, item *store.MediaItem, key ContentKey) Result {
	res := Result{Item: item, Key: key}
	cachePath := filepath.Join(p.cfg.CacheDir, key.FileName())

	if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
		if cfg, err := jpegConfig(data); err == nil {
			p.mem.Put(key, data)
			res.Data = data
			res.Width = cfg.Width
			res.Height = cfg.Height
			res.Source = "disk"
			metrics.ThumbGenerations.WithLabelValues("disk", "success").Inc()
			return res
		}
		// Unreadable cache file: fall through and regenerate over it.
		logging.Warn("discarding undecodable cached thumbnail %s", cachePath)
	}

	decodeCtx := ctx
	if p.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		decodeCtx, cancel = context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()
	}

	decodeStart := time.Now()
	img, err := p.decode(decodeCtx, item)
	res.Decode = time.Since(decodeStart)
	metrics.ThumbStageDuration.WithLabelValues("decode").Observe(res.Decode.Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ThumbTimeouts.Inc()
			err = fmt.Errorf("decode deadline exceeded for %s: %w", item.Path, err)
		}
		metrics.ThumbGenerations.WithLabelValues("decode", "error").Inc()
		res.Err = err
		return res
	}

	resizeStart := time.Now()
	thumb := p.resize(img)
	res.Resize = time.Since(resizeStart)
	metrics.ThumbStageDuration.WithLabelValues("resize").Observe(res.Resize.Seconds())

	encodeStart := time.Now()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		metrics.ThumbGenerations.WithLabelValues("decode", "error").Inc()
		res.Err = fmt.Errorf("failed to encode thumbnail: %w", err)
		return res
	}
	res.Encode = time.Since(encodeStart)
	metrics.ThumbStageDuration.WithLabelValues("encode").Observe(res.Encode.Seconds())

	data := buf.Bytes()
	bounds := thumb.Bounds()
	res.Data = data
	res.Width = bounds.Dx()
	res.Height = bounds.Dy()
	res.Source = "decode"

	if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		logging.Warn("failed to write thumbnail cache file %s: %v", cachePath, err)
	} else if err := p.store.MarkThumbnail(ctx, item.Path, cachePath, res.Width, res.Height); err != nil {
		logging.Warn("failed to record thumbnail for %s: %v", item.Path, err)
	}
	p.mem.Put(key, data)

	metrics.ThumbGenerations.WithLabelValues("decode", "success").Inc()
	return res
}

func (p *Pipeline) decode(ctx context.Context, item *store.MediaItem) (image.Image, error) {
	if p.gpu.Available() {
		if img, err := p.gpu.Decode(ctx, item); err == nil {
			return img, nil
		}
	}
	return p.cpu.Decode(ctx, item)
}

func (p *Pipeline) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	if bounds.Dy() <= p.cfg.ThumbHeight {
		return img
	}
	w := bounds.Dx() * p.cfg.ThumbHeight / bounds.Dy()
	if w < 1 {
		w = 1
	}
	filter := imaging.Lanczos
	if p.cfg.Quality == QualityFast {
		filter = imaging.Box
	}
	return imaging.Resize(img, w, p.cfg.ThumbHeight, filter)
}

func jpegConfig(data []byte) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	return cfg, err
}

// complete hands a result to the batcher. A full buffer applies
// backpressure to the workers instead of losing the result; every
// accepted request produces exactly one completion. Only shutdown may
// abandon one.
func (p *Pipeline) complete(res Result) {
	select {
	case p.pending <- res:
	case <-p.stopped:
		select {
		case p.pending <- res:
		default:
			logging.Warn("dropping result for %s during shutdown", res.Item.Path)
		}
	}
}

// batcher groups completions over the batch interval so consumers apply
// them in bulk instead of waking per item.
func (p *Pipeline) batcher() {
	defer close(p.results)
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	var batch []Result
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := make([]Result, len(batch))
		copy(out, batch)
		batch = batch[:0]
		select {
		case p.results <- out:
		case <-time.After(p.cfg.BatchInterval):
			logging.Warn("results consumer stalled, dropping batch of %d", len(out))
		}
	}

	for {
		select {
		case res := <-p.pending:
			batch = append(batch, res)
		case <-ticker.C:
			flush()
		case <-p.done:
			// Workers are gone; drain stragglers and deliver the tail.
			for {
				select {
				case res := <-p.pending:
					batch = append(batch, res)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
