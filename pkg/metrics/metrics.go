package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pulls slower than this are logged as a warning.
const slowOperation = 30 * time.Second

// Metrics holds counters for image operations.
type Metrics struct {
	StartTime time.Time

	mu            sync.Mutex
	pulls         int64
	pullFailures  int64
	bytesPulled   uint64
	lastOperation string
	lastDuration  time.Duration
}

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	Uptime        time.Duration `json:"uptime"`
	Pulls         int64         `json:"pulls"`
	PullFailures  int64         `json:"pullFailures"`
	BytesPulled   uint64        `json:"bytesPulled"`
	LastOperation string        `json:"lastOperation,omitempty"`
	LastDuration  time.Duration `json:"lastDuration,omitempty"`
	MemoryUsageMB float64       `json:"memoryUsageMB"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// RecordPull accounts for a finished pull. size is only counted on success.
func (m *Metrics) RecordPull(operation string, duration time.Duration, size uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastOperation = operation
	m.lastDuration = duration
	if err != nil {
		m.pullFailures++
		return
	}
	m.pulls++
	m.bytesPulled += size
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Uptime:        time.Since(m.StartTime),
		Pulls:         m.pulls,
		PullFailures:  m.pullFailures,
		BytesPulled:   m.bytesPulled,
		LastOperation: m.lastOperation,
		LastDuration:  m.lastDuration,
		MemoryUsageMB: float64(mem.Alloc) / 1024 / 1024,
	}
}

// LogStartupBanner logs a startup banner with system info.
func LogStartupBanner(version string) {
	logrus.WithFields(logrus.Fields{
		"version": version,
		"go":      runtime.Version(),
		"arch":    runtime.GOOS + "/" + runtime.GOARCH,
		"cpus":    runtime.NumCPU(),
	}).Info("Starting crius")
}

// Timer measures the duration of an operation.
type Timer struct {
	name  string
	start time.Time
}

// NewTimer starts a timer for an operation.
func NewTimer(operation string) *Timer {
	logrus.Debugf("Starting %s", operation)
	return &Timer{
		name:  operation,
		start: time.Now(),
	}
}

// Name returns the operation name.
func (t *Timer) Name() string {
	return t.name
}

// Stop logs the duration of the operation and returns it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	entry := logrus.WithField("duration", duration)
	if duration > slowOperation {
		entry.Warnf("%s took longer than expected", t.name)
	} else {
		entry.Debugf("%s completed", t.name)
	}
	return duration
}
