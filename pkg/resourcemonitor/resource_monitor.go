// Package resourcemonitor samples a target process's resident set size so
// the capture scheduler can gate a capture on an RSS threshold.
package resourcemonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Config configures RSS sampling.
type Config struct {
	// PollInterval is how often RSS is re-sampled while waiting for a
	// threshold to be crossed.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ThresholdBytes is the RSS level a capture can be gated on. Zero means
	// no gating: WaitForThreshold returns immediately.
	ThresholdBytes uint64 `yaml:"threshold_bytes"`
}

// DefaultConfig returns sane sampling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		ThresholdBytes: 0,
	}
}

// Monitor samples a single target process's memory usage.
type Monitor struct {
	config Config
	logger *logrus.Logger

	mu        sync.RWMutex
	lastRSS   uint64
	lastCheck time.Time
}

// New creates a Monitor for the given config.
func New(config Config, logger *logrus.Logger) *Monitor {
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	return &Monitor{config: config, logger: logger}
}

// SampleRSS returns the current resident set size, in bytes, for pid.
func (m *Monitor) SampleRSS(pid int32) (uint64, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("resourcemonitor: open pid %d: %w", pid, err)
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("resourcemonitor: read memory info for pid %d: %w", pid, err)
	}

	m.mu.Lock()
	m.lastRSS = memInfo.RSS
	m.lastCheck = time.Now()
	m.mu.Unlock()

	return memInfo.RSS, nil
}

// LastSample returns the most recently observed RSS and when it was taken.
func (m *Monitor) LastSample() (uint64, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRSS, m.lastCheck
}

// WaitForThreshold polls pid's RSS until it meets or exceeds
// config.ThresholdBytes, ctx is cancelled, or an unrecoverable sampling error
// occurs. A zero threshold returns immediately with the first sample taken.
func (m *Monitor) WaitForThreshold(ctx context.Context, pid int32) (uint64, error) {
	rss, err := m.SampleRSS(pid)
	if err != nil {
		return 0, err
	}
	if m.config.ThresholdBytes == 0 || rss >= m.config.ThresholdBytes {
		return rss, nil
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rss, ctx.Err()
		case <-ticker.C:
			rss, err = m.SampleRSS(pid)
			if err != nil {
				return rss, err
			}
			m.logger.WithFields(logrus.Fields{
				"pid":             pid,
				"rss_bytes":       rss,
				"threshold_bytes": m.config.ThresholdBytes,
			}).Debug("resourcemonitor: waiting for RSS threshold")
			if rss >= m.config.ThresholdBytes {
				return rss, nil
			}
		}
	}
}
