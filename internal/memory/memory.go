package memory

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"media-indexer/internal/logging"
	"media-indexer/internal/metrics"
)

// Config holds memory monitor configuration.
type Config struct {
	// LimitBytes is the soft memory limit (0 = use GOMEMLIMIT or disable).
	LimitBytes int64

	// HighWaterMark is the fraction of the limit at which pressure
	// signals are sent to subscribers (0.0-1.0).
	HighWaterMark float64

	// CheckInterval is how often heap usage is sampled.
	CheckInterval time.Duration
}

// DefaultConfig returns sensible defaults for the memory monitor.
func DefaultConfig() Config {
	return Config{
		LimitBytes:    0, // use GOMEMLIMIT if set
		HighWaterMark: 0.8,
		CheckInterval: 5 * time.Second,
	}
}

// PressureFunc is invoked when heap usage crosses the high watermark.
// Subscribers should release reclaimable memory synchronously.
type PressureFunc func()

// Monitor samples heap usage and fans pressure signals out to subscribers.
type Monitor struct {
	config   Config
	limit    int64
	stopChan chan struct{}

	mu          sync.RWMutex
	current     uint64
	subscribers []PressureFunc
}

// NewMonitor creates a memory monitor. If no explicit limit is configured,
// GOMEMLIMIT is consulted; with neither set, the monitor is inert.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes

	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < 1<<62 {
			limit = goMemLimit
			logging.Info("Memory monitor using GOMEMLIMIT: %d bytes (%.1f MB)", limit, float64(limit)/(1024*1024))
		}
	}

	if limit == 0 {
		logging.Warn("Memory monitor: no memory limit configured, pressure signals disabled")
	}

	return &Monitor{
		config:   config,
		limit:    limit,
		stopChan: make(chan struct{}),
	}
}

// Subscribe registers a callback invoked on memory pressure.
func (m *Monitor) Subscribe(fn PressureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start begins sampling heap usage.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go m.monitorLoop()
}

// Stop stops the memory monitor.
func (m *Monitor) Stop() {
	close(m.stopChan)
}

func (m *Monitor) monitorLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkMemory()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) checkMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.mu.Lock()
	m.current = stats.Alloc
	subscribers := m.subscribers
	m.mu.Unlock()

	usage := float64(stats.Alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	if usage >= m.config.HighWaterMark {
		logging.Warn("Memory pressure (%.1f%% of limit), shedding caches", usage*100)
		metrics.MemoryPressureSignals.Inc()
		for _, fn := range subscribers {
			fn()
		}
		go runtime.GC()
	}
}

// Usage returns current heap usage as a fraction of the limit (0 if no limit).
func (m *Monitor) Usage() float64 {
	if m.limit == 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.current) / float64(m.limit)
}

// Limit returns the configured memory limit in bytes.
func (m *Monitor) Limit() int64 {
	return m.limit
}
