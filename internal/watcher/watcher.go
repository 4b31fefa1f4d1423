// Package watcher watches a directory for freshly flushed raw snapshots and
// triggers a caller-supplied indexing callback once a file settles, debouncing
// the burst of write/create events a single flush produces.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config tunes which files in the watched directory are treated as snapshots
// and how long to wait for a flush to settle before indexing it.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	Directory        string        `yaml:"directory"`
	Extension        string        `yaml:"extension"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the default snapshot-watcher configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Extension:        ".objex",
		DebounceInterval: 2 * time.Second,
		PollInterval:     30 * time.Second,
	}
}

// Stats reports watcher activity.
type Stats struct {
	FilesSeen       int64
	IndexRuns       int64
	IndexFailures   int64
	LastIndexedPath string
	LastIndexedAt   time.Time
	LastError       string
}

// Watcher watches Config.Directory for new raw snapshots and calls onReady
// once each settles.
type Watcher struct {
	config  Config
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	onReady func(path string) error

	seen    map[string]bool
	seenMux sync.Mutex

	stats    Stats
	statsMux sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Watcher bound to config. Call SetCallback before Start.
func New(config Config, logger *logrus.Logger) (*Watcher, error) {
	if !config.Enabled {
		return &Watcher{config: config, logger: logger, seen: make(map[string]bool)}, nil
	}
	if config.Directory == "" {
		return nil, fmt.Errorf("watcher: directory is required")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(config.Directory); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watcher: failed to watch %s: %w", config.Directory, err)
	}

	return &Watcher{
		config:  config,
		logger:  logger,
		watcher: fw,
		seen:    make(map[string]bool),
		stop:    make(chan struct{}),
	}, nil
}

// SetCallback registers the function invoked with the path of each snapshot
// once it is considered ready to index.
func (w *Watcher) SetCallback(onReady func(path string) error) {
	w.onReady = onReady
}

// Start begins the fsnotify event loop and the periodic fallback scan. An
// initial scan runs synchronously so pre-existing unindexed snapshots are
// picked up immediately.
func (w *Watcher) Start() error {
	if !w.config.Enabled {
		w.logger.Info("watcher: disabled")
		return nil
	}

	if err := w.scanExisting(); err != nil {
		w.logger.WithError(err).Warn("watcher: initial directory scan failed")
	}

	w.wg.Add(2)
	go w.watchEvents()
	go w.periodicScan()
	w.logger.WithField("directory", w.config.Directory).Info("watcher: started")
	return nil
}

// Stop halts the event loop and the periodic scan.
func (w *Watcher) Stop() error {
	if !w.config.Enabled {
		return nil
	}
	close(w.stop)
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()

	debounce := map[string]*time.Timer{}
	var debounceMux sync.Mutex

	for {
		select {
		case <-w.stop:
			debounceMux.Lock()
			for _, t := range debounce {
				t.Stop()
			}
			debounceMux.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.shouldProcessEvent(event) {
				continue
			}

			path := event.Name
			debounceMux.Lock()
			if t, pending := debounce[path]; pending {
				t.Stop()
			}
			debounce[path] = time.AfterFunc(w.config.DebounceInterval, func() {
				w.tryIndex(path)
				debounceMux.Lock()
				delete(debounce, path)
				debounceMux.Unlock()
			})
			debounceMux.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
		return false
	}
	return filepath.Ext(event.Name) == w.config.Extension
}

// periodicScan is the fallback for fsnotify events dropped or coalesced by
// the OS, re-running the directory listing on an interval.
func (w *Watcher) periodicScan() {
	defer w.wg.Done()

	interval := w.config.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.scanExisting(); err != nil {
				w.logger.WithError(err).Warn("watcher: periodic scan failed")
			}
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.config.Directory)
	if err != nil {
		return fmt.Errorf("watcher: failed to read %s: %w", w.config.Directory, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != w.config.Extension {
			continue
		}
		w.tryIndex(filepath.Join(w.config.Directory, entry.Name()))
	}
	return nil
}

func (w *Watcher) tryIndex(path string) {
	w.seenMux.Lock()
	if w.seen[path] {
		w.seenMux.Unlock()
		return
	}
	w.seen[path] = true
	w.seenMux.Unlock()

	w.statsMux.Lock()
	w.stats.FilesSeen++
	w.statsMux.Unlock()

	if w.onReady == nil {
		w.logger.WithField("path", path).Warn("watcher: no callback registered, snapshot left unindexed")
		return
	}

	w.logger.WithField("path", path).Info("watcher: indexing new snapshot")
	err := w.onReady(path)

	w.statsMux.Lock()
	w.stats.IndexRuns++
	w.stats.LastIndexedPath = path
	w.stats.LastIndexedAt = time.Now()
	if err != nil {
		w.stats.IndexFailures++
		w.stats.LastError = err.Error()
	}
	w.statsMux.Unlock()

	if err != nil {
		w.logger.WithError(err).WithField("path", path).Error("watcher: indexing failed")
		w.seenMux.Lock()
		delete(w.seen, path)
		w.seenMux.Unlock()
	}
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() Stats {
	w.statsMux.Lock()
	defer w.statsMux.Unlock()
	return w.stats
}
