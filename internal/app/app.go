// Package app wires objex's components together and orchestrates the two
// process lifecycles the CLI exposes: a long-running explore daemon (Query
// Engine + HTTP transport plus the ambient discovery/watcher/events
// services) and a one-shot capture run. It follows the teacher's app.go
// shape: load config, build a logger, construct components in dependency
// order, start them in that same order, and reverse the order on Stop,
// logging but never failing on an individual component's shutdown error.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kurtbrose/objex/internal/config"
	"github.com/kurtbrose/objex/internal/discovery"
	"github.com/kurtbrose/objex/internal/docker"
	"github.com/kurtbrose/objex/internal/events"
	"github.com/kurtbrose/objex/internal/indexer"
	"github.com/kurtbrose/objex/internal/query"
	"github.com/kurtbrose/objex/internal/queryserver"
	"github.com/kurtbrose/objex/internal/watcher"
	"github.com/kurtbrose/objex/pkg/metrics"
	"github.com/kurtbrose/objex/pkg/tracing"

	"github.com/sirupsen/logrus"
)

// App is the explore daemon: it serves the Query Engine over HTTP and runs
// the ambient capture-target discovery, snapshot watcher, and lifecycle
// event publisher alongside it.
type App struct {
	config *config.Config
	logger *logrus.Logger

	tracingManager *tracing.Manager
	metricsServer  *metrics.Server
	eventPublisher *events.Publisher
	dockerClient   *docker.HTTPDockerClient
	discovery      *discovery.Discovery
	watcher        *watcher.Watcher
	queryEngine    *query.Engine
	queryServer    *queryserver.Server

	artifactPath string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration from configFile, builds a logger from it, and
// constructs every component the explore daemon needs. artifactPath is the
// analysis artifact the Query Engine opens; it may be empty if the query
// HTTP transport is disabled in config.
func New(configFile, artifactPath string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("app: failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		config:       cfg,
		logger:       logger,
		artifactPath: artifactPath,
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := a.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func (a *App) initComponents() error {
	if err := a.initTracing(); err != nil {
		return err
	}
	a.initMetricsServer()
	a.initEventPublisher()
	if err := a.initDiscovery(); err != nil {
		return err
	}
	if err := a.initWatcher(); err != nil {
		return err
	}
	if err := a.initQuery(); err != nil {
		return err
	}
	return nil
}

func (a *App) initTracing() error {
	tc := tracing.DefaultConfig()
	tc.Enabled = a.config.Tracing.Enabled
	tc.ServiceName = a.config.App.Name
	tc.ServiceVersion = a.config.App.Version
	tc.Environment = a.config.App.Environment
	if a.config.Tracing.Exporter != "" {
		tc.Exporter = a.config.Tracing.Exporter
	}
	tc.Endpoint = a.config.Tracing.Endpoint
	if a.config.Tracing.SampleRate != 0 {
		tc.SampleRate = a.config.Tracing.SampleRate
	}

	mgr, err := tracing.NewManager(tc, a.logger)
	if err != nil {
		return fmt.Errorf("app: failed to initialize tracing: %w", err)
	}
	a.tracingManager = mgr
	return nil
}

func (a *App) initMetricsServer() {
	if !a.config.Metrics.Enabled {
		return
	}
	addr := fmt.Sprintf("%s:%d", a.config.Metrics.Host, a.config.Metrics.Port)
	a.metricsServer = metrics.NewServer(addr, a.logger)
}

func (a *App) initEventPublisher() {
	ec := events.Config{
		Enabled:      a.config.Events.Enabled,
		Brokers:      a.config.Events.Brokers,
		Topic:        a.config.Events.Topic,
		SASLEnabled:  a.config.Events.SASLEnabled,
		SASLUser:     a.config.Events.SASLUser,
		SASLPassword: a.config.Events.SASLPassword,
	}
	p, err := events.New(ec, a.logger)
	if err != nil {
		// A misconfigured publisher must not block the rest of the daemon
		// from starting; disable it and keep going.
		a.logger.WithError(err).Warn("app: lifecycle event publisher disabled, failed to initialize")
		p, _ = events.New(events.Config{Enabled: false}, a.logger)
	}
	a.eventPublisher = p
}

func (a *App) initDiscovery() error {
	if !a.config.Discovery.Enabled {
		return nil
	}

	dc := docker.DefaultHTTPClientConfig()
	if a.config.Discovery.DockerHost != "" {
		dc.SocketPath = a.config.Discovery.DockerHost
	}
	dockerClient, err := docker.NewHTTPDockerClient(dc, a.logger)
	if err != nil {
		a.logger.WithError(err).Warn("app: target discovery disabled, failed to connect to Docker")
		return nil
	}
	a.dockerClient = dockerClient

	disc := discovery.DefaultConfig()
	disc.Enabled = true
	if a.config.Discovery.PollInterval != 0 {
		disc.UpdateInterval = a.config.Discovery.PollInterval
	}
	if a.config.Discovery.LabelSelector != "" {
		disc.RequireLabel = a.config.Discovery.LabelSelector
	}

	d := discovery.New(disc, dockerClient, a.logger)
	d.SetCallbacks(
		func(t *discovery.Target) {
			a.logger.WithFields(logrus.Fields{"id": t.ID, "name": t.Name}).Info("app: capture target discovered")
		},
		func(id string) {
			a.logger.WithField("id", id).Info("app: capture target removed")
		},
		nil,
	)
	a.discovery = d
	return nil
}

func (a *App) initWatcher() error {
	wc := watcher.DefaultConfig()
	wc.Enabled = a.config.Watcher.Enabled
	wc.Directory = a.config.Watcher.Directory

	w, err := watcher.New(wc, a.logger)
	if err != nil {
		return fmt.Errorf("app: failed to initialize snapshot watcher: %w", err)
	}
	w.SetCallback(a.onSnapshotReady)
	a.watcher = w
	return nil
}

// onSnapshotReady runs the Analysis Indexer over a freshly flushed snapshot
// and publishes an analysis-complete event on success.
func (a *App) onSnapshotReady(path string) error {
	idx, err := indexer.Open(path, a.logger, a.tracingManager.Tracer())
	if err != nil {
		return fmt.Errorf("app: failed to open snapshot for indexing: %w", err)
	}
	defer idx.Close()

	if err := idx.BuildIndices(a.ctx); err != nil {
		return fmt.Errorf("app: failed to build indices for %s: %w", path, err)
	}

	a.eventPublisher.Publish(events.Event{
		Kind:      events.KindAnalysisComplete,
		Path:      path,
		Timestamp: time.Now(),
	})
	return nil
}

func (a *App) initQuery() error {
	if !a.config.Query.Enabled || a.artifactPath == "" {
		return nil
	}

	qc := query.DefaultConfig()
	qc.Budget.MaxVisits = a.config.Query.MaxPathVisits

	engine, err := query.Open(a.artifactPath, qc, a.logger, a.tracingManager.Tracer())
	if err != nil {
		return fmt.Errorf("app: failed to open query engine: %w", err)
	}
	a.queryEngine = engine

	addr := fmt.Sprintf("%s:%d", a.config.Query.Host, a.config.Query.Port)
	a.queryServer = queryserver.New(addr, engine, a.tracingManager.Tracer(), a.logger)
	return nil
}

// Start begins every enabled component in dependency order: metrics first
// (so startup itself is observable), then the event publisher's response
// loop is already running from New, then discovery, the snapshot watcher,
// and finally the query HTTP transport.
func (a *App) Start() error {
	a.logger.Info("app: starting")

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return fmt.Errorf("app: failed to start metrics server: %w", err)
		}
	}
	if a.discovery != nil {
		if err := a.discovery.Start(); err != nil {
			return fmt.Errorf("app: failed to start target discovery: %w", err)
		}
	}
	if err := a.watcher.Start(); err != nil {
		return fmt.Errorf("app: failed to start snapshot watcher: %w", err)
	}
	if a.queryServer != nil {
		if err := a.queryServer.Start(); err != nil {
			return fmt.Errorf("app: failed to start query server: %w", err)
		}
	}

	a.logger.Info("app: started")
	return nil
}

// Stop shuts every component down in reverse order. Each component's error
// is logged, not propagated, so one failing component never prevents the
// rest from shutting down cleanly.
func (a *App) Stop() error {
	a.logger.Info("app: stopping")
	a.cancel()

	if a.queryServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.queryServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("app: failed to stop query server")
		}
		cancel()
	}
	if a.queryEngine != nil {
		if err := a.queryEngine.Close(); err != nil {
			a.logger.WithError(err).Error("app: failed to close query engine")
		}
	}
	if err := a.watcher.Stop(); err != nil {
		a.logger.WithError(err).Error("app: failed to stop snapshot watcher")
	}
	if a.discovery != nil {
		if err := a.discovery.Stop(); err != nil {
			a.logger.WithError(err).Error("app: failed to stop target discovery")
		}
	}
	if a.dockerClient != nil {
		if err := a.dockerClient.Close(); err != nil {
			a.logger.WithError(err).Error("app: failed to close docker client")
		}
	}
	if err := a.eventPublisher.Close(); err != nil {
		a.logger.WithError(err).Error("app: failed to close event publisher")
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("app: failed to stop metrics server")
		}
		cancel()
	}
	if err := a.tracingManager.Shutdown(context.Background()); err != nil {
		a.logger.WithError(err).Error("app: failed to shut down tracing")
	}

	a.wg.Wait()
	a.logger.Info("app: stopped")
	return nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM, then stops it.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	a.logger.Info("app: shutdown signal received")
	return a.Stop()
}
