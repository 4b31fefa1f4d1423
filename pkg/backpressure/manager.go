// Package backpressure tracks the load samples its caller reports (the
// snapshot writer reports its batch queue fill) and derives a throttling
// level from a weighted utilization score.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the closed set of backpressure severities.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config tunes the thresholds, timing, and per-level reduction factors.
type Config struct {
	LowThreshold      float64 `yaml:"low_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	CheckInterval time.Duration `yaml:"check_interval"`
	StabilizeTime time.Duration `yaml:"stabilize_time"`
	CooldownTime  time.Duration `yaml:"cooldown_time"`

	LowReduction      float64 `yaml:"low_reduction"`
	MediumReduction   float64 `yaml:"medium_reduction"`
	HighReduction     float64 `yaml:"high_reduction"`
	CriticalReduction float64 `yaml:"critical_reduction"`
}

// Metrics is the raw utilization sample fed to the manager each tick.
type Metrics struct {
	QueueUtilization  float64 // pending batch rows / batch capacity
	MemoryUtilization float64
	CPUUtilization    float64
	IOUtilization     float64
	ErrorRate         float64
}

// Manager derives a throttling level from a weighted blend of Metrics.
type Manager struct {
	config Config
	logger *logrus.Logger

	currentLevel    Level
	currentFactor   float64
	lastLevelChange time.Time
	lastCheck       time.Time
	stabilizeUntil  time.Time

	onLevelChange func(Level, Level, float64)

	metrics Metrics

	mu sync.RWMutex
}

// NewManager constructs a Manager, filling in zero-valued Config fields with
// defaults.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	if config.LowThreshold == 0 {
		config.LowThreshold = 0.6
	}
	if config.MediumThreshold == 0 {
		config.MediumThreshold = 0.75
	}
	if config.HighThreshold == 0 {
		config.HighThreshold = 0.9
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = 0.95
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.StabilizeTime == 0 {
		config.StabilizeTime = 30 * time.Second
	}
	if config.CooldownTime == 0 {
		config.CooldownTime = 10 * time.Second
	}
	if config.LowReduction == 0 {
		config.LowReduction = 0.9
	}
	if config.MediumReduction == 0 {
		config.MediumReduction = 0.7
	}
	if config.HighReduction == 0 {
		config.HighReduction = 0.5
	}
	if config.CriticalReduction == 0 {
		config.CriticalReduction = 0.2
	}

	return &Manager{
		config:        config,
		logger:        logger,
		currentLevel:  LevelNone,
		currentFactor: 1.0,
	}
}

// UpdateMetrics records a new utilization sample and re-evaluates the level.
func (m *Manager) UpdateMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = metrics
	m.lastCheck = time.Now()

	m.evaluateLevel()
}

func (m *Manager) evaluateLevel() {
	overallScore := (m.metrics.QueueUtilization * 0.3) +
		(m.metrics.MemoryUtilization * 0.25) +
		(m.metrics.CPUUtilization * 0.2) +
		(m.metrics.IOUtilization * 0.15) +
		(m.metrics.ErrorRate * 0.1)

	newLevel := m.calculateLevel(overallScore)

	if time.Since(m.lastLevelChange) < m.config.CooldownTime {
		return
	}

	if time.Now().Before(m.stabilizeUntil) && newLevel != m.currentLevel {
		return
	}

	if newLevel != m.currentLevel {
		m.changeLevel(newLevel)
	}
}

func (m *Manager) calculateLevel(score float64) Level {
	switch {
	case score >= m.config.CriticalThreshold:
		return LevelCritical
	case score >= m.config.HighThreshold:
		return LevelHigh
	case score >= m.config.MediumThreshold:
		return LevelMedium
	case score >= m.config.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

func (m *Manager) changeLevel(newLevel Level) {
	oldLevel := m.currentLevel
	m.currentLevel = newLevel
	m.lastLevelChange = time.Now()
	m.stabilizeUntil = time.Now().Add(m.config.StabilizeTime)

	switch newLevel {
	case LevelNone:
		m.currentFactor = 1.0
	case LevelLow:
		m.currentFactor = m.config.LowReduction
	case LevelMedium:
		m.currentFactor = m.config.MediumReduction
	case LevelHigh:
		m.currentFactor = m.config.HighReduction
	case LevelCritical:
		m.currentFactor = m.config.CriticalReduction
	}

	m.logger.WithFields(logrus.Fields{
		"old_level":   oldLevel.String(),
		"new_level":   newLevel.String(),
		"factor":      m.currentFactor,
		"queue_util":  m.metrics.QueueUtilization,
		"memory_util": m.metrics.MemoryUtilization,
		"cpu_util":    m.metrics.CPUUtilization,
		"io_util":     m.metrics.IOUtilization,
		"error_rate":  m.metrics.ErrorRate,
	}).Info("backpressure level changed")

	if m.onLevelChange != nil {
		m.onLevelChange(oldLevel, newLevel, m.currentFactor)
	}
}

// GetLevel returns the current throttling level.
func (m *Manager) GetLevel() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel
}

// GetFactor returns the current capacity reduction factor (1.0 = no reduction).
func (m *Manager) GetFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentFactor
}

// IsActive reports whether any backpressure is currently applied.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel != LevelNone
}

// ShouldThrottle reports whether the caller should slow its submission rate.
func (m *Manager) ShouldThrottle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelMedium
}

// ShouldReject reports whether the caller should reject new work outright.
func (m *Manager) ShouldReject() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelCritical
}

// ShouldDegrade reports whether the caller should drop optional work (e.g.
// skip preview rendering) to keep up.
func (m *Manager) ShouldDegrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelHigh
}

// GetMetrics returns the last recorded utilization sample.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// SetLevelChangeCallback registers fn to be called whenever the level changes.
func (m *Manager) SetLevelChangeCallback(fn func(Level, Level, float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Start runs a periodic re-evaluation loop until ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("starting backpressure manager")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping backpressure manager")
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			if time.Since(m.lastCheck) > m.config.CheckInterval {
				m.evaluateLevel()
			}
			m.mu.Unlock()
		}
	}
}

// ForceLevel overrides the current level directly, bypassing cooldown/stabilize.
func (m *Manager) ForceLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(level)
}

// Reset returns the manager to LevelNone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(LevelNone)
}

// GetStats returns a snapshot of the manager's state for diagnostics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"current_level":     m.currentLevel.String(),
		"current_factor":    m.currentFactor,
		"last_level_change": m.lastLevelChange,
		"last_check":        m.lastCheck,
		"stabilize_until":   m.stabilizeUntil,
		"is_active":         m.currentLevel != LevelNone,
		"should_throttle":   m.currentLevel >= LevelMedium,
		"should_reject":     m.currentLevel >= LevelCritical,
		"should_degrade":    m.currentLevel >= LevelHigh,
		"metrics":           m.metrics,
	}
}
