package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-indexer/internal/coordinator"
	"media-indexer/internal/layout"
	"media-indexer/internal/logging"
	"media-indexer/internal/memory"
	"media-indexer/internal/scanner"
	"media-indexer/internal/startup"
	"media-indexer/internal/store"
	"media-indexer/internal/thumbs"
	"media-indexer/internal/workers"
)

func main() {
	config, err := startup.LoadConfig()
	if err != nil {
		logging.Fatal("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store
	storeStart := time.Now()
	st, err := store.Open(ctx, config.DatabasePath)
	if err != nil {
		logging.Fatal("Failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error("failed to close store: %v", err)
		}
	}()
	itemCount, err := st.Count(ctx)
	if err != nil {
		logging.Warn("Failed to count indexed items: %v", err)
	}
	startup.LogStoreInit(time.Since(storeStart), itemCount)

	// Layout engine
	eng := layout.New(st, layout.Config{
		TargetHeight: config.LayoutTargetHeight,
		MinHeight:    config.LayoutMinHeight,
		MaxHeight:    config.LayoutMaxHeight,
	})

	// Thumbnail pipeline
	workerCount := config.ThumbWorkers
	if workerCount <= 0 {
		workerCount = workers.ForCPU(8)
	}
	startup.LogPipelineInit(config.ThumbnailsEnabled, workerCount, config.ThumbHeight)
	var pipe *thumbs.Pipeline
	if config.ThumbnailsEnabled {
		pipe = thumbs.NewPipeline(st, thumbs.Config{
			CacheDir:     config.ThumbnailDir,
			ThumbHeight:  config.ThumbHeight,
			Workers:      workerCount,
			MemoryBudget: int64(config.ThumbMemoryMB) << 20,
			ItemTimeout:  config.ThumbTimeout,
		})
		if err := pipe.Start(ctx); err != nil {
			logging.Fatal("Failed to start thumbnail pipeline: %v", err)
		}
		defer thumbs.ShutdownVips()
		go drainResults(pipe)
	}

	// Memory pressure monitor
	monitor := memory.NewMonitor(memory.DefaultConfig())
	if pipe != nil {
		monitor.Subscribe(func() { pipe.OnMemoryPressure() })
	}
	monitor.Start()

	// Scanner and cache coordinator
	startup.LogScannerInit(config.ScanInterval, config.WatchEnabled)
	sc := scanner.New(st, scanner.Config{
		MediaDir:   config.MediaDir,
		Interval:   config.ScanInterval,
		PurgeAfter: config.PurgeAfter,
	})
	if pipe != nil {
		coord := coordinator.New(sc.Events(), eng, pipe)
		go coord.Run(ctx)
	} else {
		go drainScanEvents(ctx, sc, eng)
	}
	sc.Start(ctx)
	if config.WatchEnabled {
		go sc.Watch(ctx)
	}

	// Metrics and health endpoints
	var srv *http.Server
	if config.MetricsEnabled {
		srv = startMetricsServer(config.MetricsPort, st, sc)
	}

	waitForShutdown(cancel, srv, sc, pipe, monitor)
}

// drainResults consumes completion batches in daemon mode, where the
// pipeline runs purely to warm the caches for attached consumers.
func drainResults(pipe *thumbs.Pipeline) {
	for batch := range pipe.Results() {
		for _, res := range batch {
			if res.Err != nil {
				logging.Debug("thumbnail failed for %s: %v", res.Item.Path, res.Err)
			}
		}
	}
}

// drainScanEvents still invalidates layouts when thumbnails are disabled.
func drainScanEvents(ctx context.Context, sc *scanner.Scanner, eng *layout.Engine) {
	for ev := range sc.Events() {
		if err := eng.Invalidate(ctx); err != nil {
			logging.Warn("Layout invalidation after %s of %s failed: %v",
				ev.Kind, ev.Item.Path, err)
		}
	}
}

func startMetricsServer(port string, st *store.Store, sc *scanner.Scanner) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		// Ready once an initial scan has completed.
		if sc.LastScan().IsZero() {
			http.Error(w, "initial scan pending", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	r.HandleFunc("/statusz", func(w http.ResponseWriter, req *http.Request) {
		count, err := st.Count(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":    count,
			"lastScan": sc.LastScan(),
		})
	}).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("Metrics server listening on :%s", port)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, sc *scanner.Scanner, pipe *thumbs.Pipeline, monitor *memory.Monitor) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	startup.LogShutdownStep("scanner")
	sc.Stop()

	if pipe != nil {
		startup.LogShutdownStep("thumbnail pipeline")
		pipe.Stop()
	}

	startup.LogShutdownStep("memory monitor")
	monitor.Stop()

	if srv != nil {
		startup.LogShutdownStep("metrics server")
		ctx, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelSrv()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}

	cancel()
	startup.LogShutdownComplete()
}
