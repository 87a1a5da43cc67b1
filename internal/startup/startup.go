package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"media-indexer/internal/logging"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Config holds all daemon configuration.
type Config struct {
	MediaDir     string
	CacheDir     string
	DataDir      string
	MetricsPort  string
	ScanInterval time.Duration
	PurgeAfter   time.Duration
	WatchEnabled bool

	ThumbHeight   int
	ThumbMemoryMB int
	ThumbWorkers  int
	ThumbTimeout  time.Duration

	LayoutTargetHeight float64
	LayoutMinHeight    float64
	LayoutMaxHeight    float64

	MetricsEnabled bool

	// Derived paths
	DatabasePath string
	ThumbnailDir string

	// Thumbnails disable themselves when the cache dir is unusable;
	// indexing and layout keep working.
	ThumbnailsEnabled bool
}

// LoadConfig loads and validates configuration from environment variables.
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	mediaDir := getEnv("MEDIA_DIR", "/media")
	cacheDir := getEnv("CACHE_DIR", "/cache")
	dataDir := getEnv("DATA_DIR", "/data")
	metricsPort := getEnv("METRICS_PORT", "9090")
	scanIntervalStr := getEnv("SCAN_INTERVAL", "30m")
	purgeAfterStr := getEnv("PURGE_AFTER", "24h")
	watchEnabled := getEnvBool("WATCH_ENABLED", true)
	metricsEnabled := getEnvBool("METRICS_ENABLED", true)
	thumbHeight := getEnvInt("THUMB_HEIGHT", 240)
	thumbMemoryMB := getEnvInt("THUMB_MEMORY_MB", 192)
	thumbWorkers := getEnvInt("THUMBNAIL_WORKERS", 0)
	thumbTimeoutStr := getEnv("THUMB_TIMEOUT", "30s")
	layoutTarget := getEnvInt("LAYOUT_TARGET_HEIGHT", 240)
	layoutMin := getEnvInt("LAYOUT_MIN_HEIGHT", 160)
	layoutMax := getEnvInt("LAYOUT_MAX_HEIGHT", 360)

	logging.Info("  MEDIA_DIR:            %s", mediaDir)
	logging.Info("  CACHE_DIR:            %s", cacheDir)
	logging.Info("  DATA_DIR:             %s", dataDir)
	logging.Info("  METRICS_PORT:         %s", metricsPort)
	logging.Info("  METRICS_ENABLED:      %v", metricsEnabled)
	logging.Info("  SCAN_INTERVAL:        %s", scanIntervalStr)
	logging.Info("  PURGE_AFTER:          %s", purgeAfterStr)
	logging.Info("  WATCH_ENABLED:        %v", watchEnabled)
	logging.Info("  THUMB_HEIGHT:         %d", thumbHeight)
	logging.Info("  THUMB_MEMORY_MB:      %d", thumbMemoryMB)
	logging.Info("  THUMB_TIMEOUT:        %s", thumbTimeoutStr)
	logging.Info("  LAYOUT_TARGET_HEIGHT: %d", layoutTarget)
	logging.Info("  LAYOUT_MIN_HEIGHT:    %d", layoutMin)
	logging.Info("  LAYOUT_MAX_HEIGHT:    %d", layoutMax)
	logging.Info("  LOG_LEVEL:            %s", logging.GetLevel())

	scanInterval, err := time.ParseDuration(scanIntervalStr)
	if err != nil {
		logging.Warn("  Invalid SCAN_INTERVAL, using default: 30m")
		scanInterval = 30 * time.Minute
	}
	purgeAfter, err := time.ParseDuration(purgeAfterStr)
	if err != nil {
		logging.Warn("  Invalid PURGE_AFTER, using default: 24h")
		purgeAfter = 24 * time.Hour
	}
	thumbTimeout, err := time.ParseDuration(thumbTimeoutStr)
	if err != nil {
		logging.Warn("  Invalid THUMB_TIMEOUT, using default: 30s")
		thumbTimeout = 30 * time.Second
	}

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	mediaDir, err = filepath.Abs(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media directory path: %w", err)
	}
	cacheDir, err = filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory path: %w", err)
	}
	dataDir, err = filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := ensureDirectory(mediaDir, "media"); err != nil {
		logging.Warn("  Media directory issue: %v", err)
	}

	config := &Config{
		MediaDir:           mediaDir,
		CacheDir:           cacheDir,
		DataDir:            dataDir,
		MetricsPort:        metricsPort,
		ScanInterval:       scanInterval,
		PurgeAfter:         purgeAfter,
		WatchEnabled:       watchEnabled,
		ThumbHeight:        thumbHeight,
		ThumbMemoryMB:      thumbMemoryMB,
		ThumbWorkers:       thumbWorkers,
		ThumbTimeout:       thumbTimeout,
		LayoutTargetHeight: float64(layoutTarget),
		LayoutMinHeight:    float64(layoutMin),
		LayoutMaxHeight:    float64(layoutMax),
		MetricsEnabled:     metricsEnabled,
		DatabasePath:       filepath.Join(dataDir, "index.db"),
		ThumbnailDir:       filepath.Join(cacheDir, "thumbnails"),
	}

	// The data directory holds the metadata store and is required.
	if err := ensureDirectory(dataDir, "data"); err != nil {
		return nil, fmt.Errorf("data directory error: %w", err)
	}
	if err := testWriteAccess(dataDir); err != nil {
		return nil, fmt.Errorf("data directory is not writable (required for store): %w", err)
	}
	logging.Info("  [OK] Data directory is writable")

	config.ThumbnailsEnabled = setupOptionalDir(config.ThumbnailDir, "thumbnails")

	logging.Info("")
	logging.Info("  Feature availability:")
	logging.Info("    Store:      ENABLED (required)")
	logging.Info("    Thumbnails: %s", enabledString(config.ThumbnailsEnabled))
	logging.Info("    Watcher:    %s", enabledString(config.WatchEnabled))
	logging.Info("    Metrics:    %s", enabledString(config.MetricsEnabled))

	return config, nil
}

func setupOptionalDir(path, name string) bool {
	logging.Debug("  Setting up %s directory: %s", name, path)

	if err := os.MkdirAll(path, 0o755); err != nil {
		logging.Warn("    Failed to create %s directory: %v", name, err)
		logging.Warn("    %s will be disabled", name)
		return false
	}

	testFile := filepath.Join(path, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		logging.Warn("    %s directory is not writable: %v", name, err)
		logging.Warn("    %s will be disabled", name)
		return false
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("    failed to remove test file %s: %v", testFile, err)
	}

	logging.Debug("    [OK] %s directory ready", name)
	return true
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// LogStoreInit logs metadata store initialization.
func LogStoreInit(duration time.Duration, items int) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("STORE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Store opened in %v (%d items indexed)", duration, items)
}

// LogScannerInit logs scanner configuration.
func LogScannerInit(interval time.Duration, watching bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SCANNER INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Scan interval: %v", interval)
	logging.Info("  Watcher:       %s", enabledString(watching))
}

// LogPipelineInit logs thumbnail pipeline configuration.
func LogPipelineInit(enabled bool, workerCount, height int) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("THUMBNAIL PIPELINE")
	logging.Info("------------------------------------------------------------")
	if !enabled {
		logging.Warn("  Thumbnails disabled (cache directory not writable)")
		return
	}
	logging.Info("  Workers:       %d", workerCount)
	logging.Info("  Height:        %d px", height)
}

// LogShutdownInitiated logs the start of graceful shutdown.
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN (%s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a single shutdown step.
func LogShutdownStep(step string) {
	logging.Info("  Stopping %s...", step)
}

// LogShutdownComplete logs completion of graceful shutdown.
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
    __  ___         ___         ____          __
   /  |/  /__  ____/ (_)___ _  /  _/___  ____/ /__  _  _____  _____
  / /|_/ / _ \/ __  / / __ '/  / // __ \/ __  / _ \| |/_/ _ \/ ___/
 / /  / /  __/ /_/ / / /_/ / _/ // / / / /_/ /  __/>  </  __/ /
/_/  /_/\___/\__,_/_/\__,_/ /___/_/ /_/\__,_/\___/_/|_|\___/_/

------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}
	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}
	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
