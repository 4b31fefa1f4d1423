// Package discovery finds candidate capture targets: Docker containers
// carrying an opt-in label, polled on an interval and reported to the rest
// of objex via added/removed/updated callbacks.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/sirupsen/logrus"

	"github.com/kurtbrose/objex/internal/docker"
)

// Config tunes which containers are eligible as capture targets and how
// often the container list is re-scanned.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`

	// RequireLabel must be present and equal to "true" for a container to
	// be considered a capture target at all.
	RequireLabel string `yaml:"require_label"`

	// RequiredLabels must all be present with matching values.
	RequiredLabels map[string]string `yaml:"required_labels"`

	// ExcludeLabels, if present with a matching value, disqualify a
	// container regardless of RequireLabel/RequiredLabels.
	ExcludeLabels map[string]string `yaml:"exclude_labels"`

	// TargetLabel names the label carrying the in-container capture
	// endpoint (e.g. the unix socket path the target process listens on
	// for a capture request). Empty leaves every target's Endpoint empty;
	// no default path is assumed.
	TargetLabel string `yaml:"target_label"`
}

// DefaultConfig returns the default capture-target discovery configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		UpdateInterval: 15 * time.Second,
		RequireLabel:   "objex.capture",
		TargetLabel:    "objex.target",
	}
}

// Target is a discovered capture target.
type Target struct {
	ID          string
	Name        string
	Image       string
	Status      string // active, inactive
	Labels      map[string]string
	Endpoint    string // value of Config.TargetLabel, empty if not set
	FirstSeen   time.Time
	LastSeen    time.Time
	UpdateCount int64
}

// Discovery polls the Docker daemon for labeled containers and maintains the
// current set of capture targets.
type Discovery struct {
	config       Config
	logger       *logrus.Logger
	dockerClient *docker.HTTPDockerClient

	targets    map[string]*Target
	targetsMux sync.RWMutex

	onTargetAdded   func(*Target)
	onTargetRemoved func(string)
	onTargetUpdated func(old, new *Target)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs      int64
	lastRun   time.Time
	lastError string
}

// New constructs a Discovery bound to the given Docker client. The caller
// owns the client's lifecycle.
func New(config Config, dockerClient *docker.HTTPDockerClient, logger *logrus.Logger) *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		config:       config,
		logger:       logger,
		dockerClient: dockerClient,
		targets:      make(map[string]*Target),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetCallbacks registers the functions invoked as targets come and go.
func (d *Discovery) SetCallbacks(onAdded func(*Target), onRemoved func(string), onUpdated func(old, new *Target)) {
	d.onTargetAdded = onAdded
	d.onTargetRemoved = onRemoved
	d.onTargetUpdated = onUpdated
}

// Start runs an initial scan and begins the periodic polling loop.
func (d *Discovery) Start() error {
	if !d.config.Enabled {
		d.logger.Info("discovery: disabled")
		return nil
	}

	d.logger.Info("discovery: starting")
	if err := d.scan(); err != nil {
		d.logger.WithError(err).Error("discovery: initial scan failed")
	}

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (d *Discovery) Stop() error {
	d.logger.Info("discovery: stopping")
	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *Discovery) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.scan(); err != nil {
				d.lastError = err.Error()
				d.logger.WithError(err).Error("discovery: scan failed")
			}
		}
	}
}

func (d *Discovery) scan() error {
	d.runs++
	d.lastRun = time.Now()

	containers, err := d.dockerClient.Client().ContainerList(d.ctx, dockertypes.ContainerListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		if !d.eligible(c) {
			continue
		}
		target := targetFromContainer(c, d.config.TargetLabel)
		seen[target.ID] = true
		d.merge(target)
	}
	d.prune(seen)

	d.logger.WithField("targets", len(d.targets)).Debug("discovery: scan complete")
	return nil
}

func (d *Discovery) eligible(c dockertypes.Container) bool {
	labels := c.Labels
	if d.config.RequireLabel != "" {
		if value, ok := labels[d.config.RequireLabel]; !ok || value != "true" {
			return false
		}
	}
	for key, want := range d.config.RequiredLabels {
		if value, ok := labels[key]; !ok || value != want {
			return false
		}
	}
	for key, exclude := range d.config.ExcludeLabels {
		if value, ok := labels[key]; ok && value == exclude {
			return false
		}
	}
	return true
}

func targetFromContainer(c dockertypes.Container, targetLabel string) *Target {
	now := time.Now()
	status := "inactive"
	if c.State == "running" {
		status = "active"
	}
	name := c.ID
	if len(c.Names) > 0 && len(c.Names[0]) > 1 {
		name = c.Names[0][1:]
	}
	return &Target{
		ID:        c.ID,
		Name:      name,
		Image:     c.Image,
		Status:    status,
		Labels:    c.Labels,
		Endpoint:  c.Labels[targetLabel],
		FirstSeen: now,
		LastSeen:  now,
	}
}

func (d *Discovery) merge(target *Target) {
	d.targetsMux.Lock()
	existing, ok := d.targets[target.ID]
	if !ok {
		d.targets[target.ID] = target
		d.targetsMux.Unlock()
		if d.onTargetAdded != nil {
			d.onTargetAdded(target)
		}
		d.logger.WithFields(logrus.Fields{"id": target.ID, "name": target.Name}).Info("discovery: new capture target")
		return
	}

	if existing.Status != target.Status || existing.Endpoint != target.Endpoint || !labelsEqual(existing.Labels, target.Labels) {
		old := *existing
		target.FirstSeen = existing.FirstSeen
		target.UpdateCount = existing.UpdateCount + 1
		d.targets[target.ID] = target
		d.targetsMux.Unlock()
		if d.onTargetUpdated != nil {
			d.onTargetUpdated(&old, target)
		}
		return
	}

	existing.LastSeen = target.LastSeen
	existing.UpdateCount++
	d.targetsMux.Unlock()
}

func (d *Discovery) prune(seen map[string]bool) {
	d.targetsMux.Lock()
	var removed []string
	for id := range d.targets {
		if !seen[id] {
			delete(d.targets, id)
			removed = append(removed, id)
		}
	}
	d.targetsMux.Unlock()

	for _, id := range removed {
		if d.onTargetRemoved != nil {
			d.onTargetRemoved(id)
		}
		d.logger.WithField("id", id).Info("discovery: capture target removed")
	}
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Targets returns a snapshot of the currently known capture targets.
func (d *Discovery) Targets() []*Target {
	d.targetsMux.RLock()
	defer d.targetsMux.RUnlock()
	out := make([]*Target, 0, len(d.targets))
	for _, t := range d.targets {
		out = append(out, t)
	}
	return out
}

// TargetByID returns a specific target by container id.
func (d *Discovery) TargetByID(id string) (*Target, bool) {
	d.targetsMux.RLock()
	defer d.targetsMux.RUnlock()
	t, ok := d.targets[id]
	return t, ok
}

// Stats reports discovery loop health.
func (d *Discovery) Stats() map[string]interface{} {
	d.targetsMux.RLock()
	count := len(d.targets)
	d.targetsMux.RUnlock()
	return map[string]interface{}{
		"target_count": count,
		"runs":         d.runs,
		"last_run":     d.lastRun,
		"last_error":   d.lastError,
	}
}
