// Package config loads objex's configuration from a YAML file, layers
// environment-variable overrides on top, and validates the merged result
// before any component starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kurtbrose/objex/pkg/objexerr"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for every objex component.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Capture     CaptureConfig     `yaml:"capture"`
	Storage     StorageConfig     `yaml:"storage"`
	Query       QueryConfig       `yaml:"query"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Events      EventsConfig      `yaml:"events"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Compression CompressionConfig `yaml:"compression"`
}

// AppConfig carries process identity used in logs, traces, and metrics.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// CaptureConfig controls the capture scheduler and traversal engine.
type CaptureConfig struct {
	IncludeOwnFrames    bool          `yaml:"include_own_frames"`
	MaxStringPreview    int           `yaml:"max_string_preview"`
	MaxInstancePreview  int           `yaml:"max_instance_preview"`
	UseTracingReferents bool          `yaml:"use_tracing_referents"`
	RSSThresholdBytes   uint64        `yaml:"rss_threshold_bytes"`
	RSSPollInterval     time.Duration `yaml:"rss_poll_interval"`
	Delay               time.Duration `yaml:"delay"`
}

// StorageConfig points at the embedded SQLite-backed snapshot/analysis
// artifact.
type StorageConfig struct {
	ArtifactPath string `yaml:"artifact_path"`
	BatchSize    int    `yaml:"batch_size"`
	// ExportCodec, if set, names a compression codec ("zstd", "snappy", or
	// "lz4") used to write a compressed copy of the artifact for export.
	ExportCodec string `yaml:"export_codec"`
}

// QueryConfig configures the query engine's HTTP transport.
type QueryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxPathVisits  int64         `yaml:"max_path_visits"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// DiscoveryConfig configures Docker-based capture target discovery.
type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DockerHost    string        `yaml:"docker_host"`
	LabelSelector string        `yaml:"label_selector"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// WatcherConfig configures the fsnotify directory watcher that triggers
// offline indexing of freshly written snapshots.
type WatcherConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// EventsConfig configures the Kafka lifecycle-event publisher.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	SASLEnabled  bool   `yaml:"sasl_enabled"`
	SASLUser     string `yaml:"sasl_user"`
	SASLPassword string `yaml:"sasl_password"`
}

// MetricsConfig configures the Prometheus /metrics and /health server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// CompressionConfig names a default codec; Load sets DefaultCodec to "zstd"
// when unset. The snapshot export path does not read it: the export codec
// comes from StorageConfig.ExportCodec.
type CompressionConfig struct {
	DefaultCodec string `yaml:"default_codec"`
}

// Load reads configFile (if non-empty), applies defaults to anything left
// unset, layers environment-variable overrides on top, and validates the
// result. A missing or unreadable configFile is not fatal: defaults and
// environment variables can still produce a usable configuration.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			fmt.Printf("warning: failed to load config file %s: %v\n", configFile, err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return objexerr.New(objexerr.KindSnapshotIO, "config", "Load", "could not read config file").Wrap(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return objexerr.New(objexerr.KindSnapshotIO, "config", "Load", "could not parse config file").Wrap(err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "objex"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v0.1.0"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "production"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}

	if cfg.Capture.MaxStringPreview == 0 {
		cfg.Capture.MaxStringPreview = 256
	}
	if cfg.Capture.MaxInstancePreview == 0 {
		cfg.Capture.MaxInstancePreview = 128
	}
	if cfg.Capture.RSSPollInterval == 0 {
		cfg.Capture.RSSPollInterval = 2 * time.Second
	}

	if cfg.Storage.ArtifactPath == "" {
		cfg.Storage.ArtifactPath = "objex-snapshot.db"
	}
	if cfg.Storage.BatchSize == 0 {
		cfg.Storage.BatchSize = 1000
	}

	if cfg.Query.Host == "" {
		cfg.Query.Host = "0.0.0.0"
	}
	if cfg.Query.Port == 0 {
		cfg.Query.Port = 8420
	}
	if cfg.Query.MaxPathVisits == 0 {
		cfg.Query.MaxPathVisits = 1_000_000
	}
	if cfg.Query.ReadTimeout == 0 {
		cfg.Query.ReadTimeout = 15 * time.Second
	}
	if cfg.Query.WriteTimeout == 0 {
		cfg.Query.WriteTimeout = 15 * time.Second
	}

	if cfg.Discovery.PollInterval == 0 {
		cfg.Discovery.PollInterval = 30 * time.Second
	}

	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "objex.snapshot.lifecycle"
	}

	if cfg.Metrics.Host == "" {
		cfg.Metrics.Host = "0.0.0.0"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9420
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "otlp"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}

	if cfg.Compression.DefaultCodec == "" {
		cfg.Compression.DefaultCodec = "zstd"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.App.Name = getEnvString("OBJEX_APP_NAME", cfg.App.Name)
	cfg.App.LogLevel = getEnvString("OBJEX_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("OBJEX_LOG_FORMAT", cfg.App.LogFormat)

	cfg.Capture.RSSThresholdBytes = uint64(getEnvInt("OBJEX_CAPTURE_RSS_THRESHOLD_BYTES", int(cfg.Capture.RSSThresholdBytes)))
	cfg.Capture.Delay = getEnvDuration("OBJEX_CAPTURE_DELAY", cfg.Capture.Delay)

	cfg.Storage.ArtifactPath = getEnvString("OBJEX_STORAGE_ARTIFACT_PATH", cfg.Storage.ArtifactPath)

	cfg.Query.Enabled = getEnvBool("OBJEX_QUERY_ENABLED", cfg.Query.Enabled)
	cfg.Query.Port = getEnvInt("OBJEX_QUERY_PORT", cfg.Query.Port)

	cfg.Discovery.Enabled = getEnvBool("OBJEX_DISCOVERY_ENABLED", cfg.Discovery.Enabled)
	cfg.Discovery.DockerHost = getEnvString("OBJEX_DISCOVERY_DOCKER_HOST", cfg.Discovery.DockerHost)

	cfg.Watcher.Enabled = getEnvBool("OBJEX_WATCHER_ENABLED", cfg.Watcher.Enabled)
	cfg.Watcher.Directory = getEnvString("OBJEX_WATCHER_DIRECTORY", cfg.Watcher.Directory)

	cfg.Events.Enabled = getEnvBool("OBJEX_EVENTS_ENABLED", cfg.Events.Enabled)
	cfg.Events.Brokers = getEnvStringSlice("OBJEX_EVENTS_BROKERS", cfg.Events.Brokers)
	cfg.Events.SASLUser = getEnvString("OBJEX_EVENTS_SASL_USER", cfg.Events.SASLUser)
	cfg.Events.SASLPassword = getEnvString("OBJEX_EVENTS_SASL_PASSWORD", cfg.Events.SASLPassword)

	cfg.Metrics.Enabled = getEnvBool("OBJEX_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getEnvInt("OBJEX_METRICS_PORT", cfg.Metrics.Port)

	cfg.Tracing.Enabled = getEnvBool("OBJEX_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnvString("OBJEX_TRACING_ENDPOINT", cfg.Tracing.Endpoint)
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return def
}

// Validate accumulates every configuration problem it finds and reports
// them together, rather than stopping at the first one.
func Validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	v.validateApp()
	v.validateCapture()
	v.validateStorage()
	v.validateQuery()
	v.validateEvents()
	v.validateMetrics()

	if len(v.errs) > 0 {
		msgs := make([]string, len(v.errs))
		for i, e := range v.errs {
			msgs[i] = e.Error()
		}
		return objexerr.NewCritical(objexerr.KindSchemaMismatch, "config", "Validate", strings.Join(msgs, "; "))
	}
	return nil
}

type validator struct {
	cfg  *Config
	errs []error
}

func (v *validator) fail(format string, args ...interface{}) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) validateApp() {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[v.cfg.App.LogLevel] {
		v.fail("invalid log level: %s", v.cfg.App.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[v.cfg.App.LogFormat] {
		v.fail("invalid log format: %s", v.cfg.App.LogFormat)
	}
}

func (v *validator) validateCapture() {
	if v.cfg.Capture.MaxStringPreview < 0 {
		v.fail("capture.max_string_preview must be non-negative")
	}
	if v.cfg.Capture.MaxInstancePreview < 0 {
		v.fail("capture.max_instance_preview must be non-negative")
	}
}

func (v *validator) validateStorage() {
	if v.cfg.Storage.ArtifactPath == "" {
		v.fail("storage.artifact_path cannot be empty")
	}
	if v.cfg.Storage.BatchSize <= 0 {
		v.fail("storage.batch_size must be positive")
	}
}

func (v *validator) validateQuery() {
	if v.cfg.Query.Enabled && (v.cfg.Query.Port <= 0 || v.cfg.Query.Port > 65535) {
		v.fail("invalid query.port: %d", v.cfg.Query.Port)
	}
}

func (v *validator) validateEvents() {
	if v.cfg.Events.Enabled && len(v.cfg.Events.Brokers) == 0 {
		v.fail("events.brokers cannot be empty when events are enabled")
	}
}

func (v *validator) validateMetrics() {
	if v.cfg.Metrics.Enabled && (v.cfg.Metrics.Port <= 0 || v.cfg.Metrics.Port > 65535) {
		v.fail("invalid metrics.port: %d", v.cfg.Metrics.Port)
	}
}
