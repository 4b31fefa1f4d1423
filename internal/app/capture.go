package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kurtbrose/objex/internal/config"
	"github.com/kurtbrose/objex/internal/discovery"
	"github.com/kurtbrose/objex/internal/docker"
	"github.com/kurtbrose/objex/internal/events"
	"github.com/kurtbrose/objex/internal/heapsource"
	"github.com/kurtbrose/objex/internal/snapshotwriter"
	"github.com/kurtbrose/objex/internal/traversal"
	"github.com/kurtbrose/objex/pkg/resourcemonitor"
	"github.com/kurtbrose/objex/pkg/secrets"
	"github.com/kurtbrose/objex/pkg/tracing"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/sirupsen/logrus"
)

// CaptureOptions configures a single `objex capture` invocation.
type CaptureOptions struct {
	ConfigFile  string
	Destination string

	// Delay postpones the capture start, giving a freshly forked process
	// time to settle before its heap is walked.
	Delay time.Duration

	// RSSThresholdBytes, if non-zero, gates the capture on the capturing
	// process's own RSS crossing this level first. Go offers no way to
	// attach to and walk another process's heap by reflection, so unlike
	// the Target Discovery component's container scoping this always
	// samples the local process.
	RSSThresholdBytes uint64

	// ScanTargets runs one Target Discovery pass and logs eligible
	// containers before capturing, informational only: the capture itself
	// still only ever walks the local process's reachable values.
	ScanTargets bool

	// Roots names the values captured as module roots. The CLI has no
	// general way to reach into an arbitrary running program's internals,
	// so by default it seeds the walk with its own loaded configuration —
	// enough to exercise and demonstrate the full capture pipeline.
	Roots []heapsource.RootSeed

	// ExportCodec, if non-empty, overrides config storage.export_codec and
	// writes a compressed copy of the artifact ("zstd", "snappy", or "lz4")
	// alongside the primary (uncompressed) artifact.
	ExportCodec string
}

// RunCapture loads configuration, optionally delays and RSS-gates, performs
// one capture pass via the Traversal Engine, and (if enabled) publishes a
// capture-complete lifecycle event. It never starts a long-running server;
// the process is expected to exit after this returns.
func RunCapture(ctx context.Context, opts CaptureOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("capture: failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.ServiceName = cfg.App.Name
	tracingManager, err := tracing.NewManager(tc, logger)
	if err != nil {
		return fmt.Errorf("capture: failed to initialize tracing: %w", err)
	}
	defer tracingManager.Shutdown(context.Background())

	if opts.ScanTargets {
		scanTargets(cfg, logger)
	}

	if opts.Delay > 0 {
		logger.WithField("delay", opts.Delay).Info("capture: waiting before starting")
		time.Sleep(opts.Delay)
	}

	if opts.RSSThresholdBytes > 0 {
		mon := resourcemonitor.New(resourcemonitor.Config{
			PollInterval:   cfg.Capture.RSSPollInterval,
			ThresholdBytes: opts.RSSThresholdBytes,
		}, logger)
		rss, err := mon.WaitForThreshold(ctx, int32(os.Getpid()))
		if err != nil {
			return fmt.Errorf("capture: failed waiting for RSS threshold: %w", err)
		}
		logger.WithField("rss_bytes", rss).Info("capture: RSS threshold reached")
	}

	destination := opts.Destination
	if destination == "" {
		destination = cfg.Storage.ArtifactPath
	}

	roots := opts.Roots
	if len(roots) == 0 {
		roots = []heapsource.RootSeed{
			{Name: "config", Value: cfg, Classification: types.ClassModule},
		}
	}

	dumpOpts := types.DefaultDumpOptions()
	dumpOpts.MaxStringPreview = cfg.Capture.MaxStringPreview
	dumpOpts.MaxInstancePreview = cfg.Capture.MaxInstancePreview
	dumpOpts.IncludeSelfFrames = cfg.Capture.IncludeOwnFrames
	dumpOpts.UseGenericReferents = cfg.Capture.UseTracingReferents

	source, err := heapsource.New(roots, dumpOpts, secrets.New(secrets.DefaultConfig()))
	if err != nil {
		return fmt.Errorf("capture: failed to construct heap source: %w", err)
	}

	wc := snapshotwriter.DefaultConfig()
	wc.DestinationPath = destination
	wc.BatchSize = cfg.Storage.BatchSize
	wc.TargetRSSBytes = opts.RSSThresholdBytes
	wc.ExportCodec = cfg.Storage.ExportCodec
	if opts.ExportCodec != "" {
		wc.ExportCodec = opts.ExportCodec
	}
	hostname, _ := os.Hostname()
	wc.Hostname = hostname

	writer, err := snapshotwriter.Open(wc, logger)
	if err != nil {
		return fmt.Errorf("capture: failed to open snapshot writer: %w", err)
	}

	engine := traversal.New(source, writer, logger, tracingManager.Tracer())
	start := time.Now()
	result, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("capture: traversal failed: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"destination":   destination,
		"nodes_visited": result.NodesVisited,
		"shape_errors":  result.ShapeErrors,
		"duration":      time.Since(start),
	}).Info("capture: snapshot written")

	ec := events.Config{
		Enabled:      cfg.Events.Enabled,
		Brokers:      cfg.Events.Brokers,
		Topic:        cfg.Events.Topic,
		SASLEnabled:  cfg.Events.SASLEnabled,
		SASLUser:     cfg.Events.SASLUser,
		SASLPassword: cfg.Events.SASLPassword,
	}
	publisher, err := events.New(ec, logger)
	if err != nil {
		logger.WithError(err).Warn("capture: lifecycle event publisher disabled, failed to initialize")
	} else {
		publisher.Publish(events.Event{
			Kind:      events.KindCaptureComplete,
			Path:      destination,
			Timestamp: time.Now(),
			NodeCount: result.NodesVisited,
		})
		publisher.Close()
	}

	return nil
}

// scanTargets runs one Target Discovery pass and logs what it finds. It
// never influences what gets captured: Go has no way to walk another
// process's heap by reflection, so discovery here is informational, aimed
// at an operator deciding which container to attach a capture hook to next.
func scanTargets(cfg *config.Config, logger *logrus.Logger) {
	if !cfg.Discovery.Enabled {
		return
	}

	dc := docker.DefaultHTTPClientConfig()
	if cfg.Discovery.DockerHost != "" {
		dc.SocketPath = cfg.Discovery.DockerHost
	}
	dockerClient, err := docker.NewHTTPDockerClient(dc, logger)
	if err != nil {
		logger.WithError(err).Warn("capture: target scan skipped, failed to connect to Docker")
		return
	}
	defer dockerClient.Close()

	disc := discovery.DefaultConfig()
	if cfg.Discovery.LabelSelector != "" {
		disc.RequireLabel = cfg.Discovery.LabelSelector
	}
	d := discovery.New(disc, dockerClient, logger)
	if err := d.Start(); err != nil {
		logger.WithError(err).Warn("capture: target scan failed")
		return
	}
	defer d.Stop()

	for _, t := range d.Targets() {
		logger.WithFields(logrus.Fields{"id": t.ID, "name": t.Name, "endpoint": t.Endpoint}).Info("capture: eligible target")
	}
}
