package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWatcherIndexesExistingSnapshotOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pre-existing.objex")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Directory = dir
	cfg.DebounceInterval = 10 * time.Millisecond
	cfg.PollInterval = time.Hour

	w, err := New(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var indexed []string
	w.SetCallback(func(p string) error {
		mu.Lock()
		indexed = append(indexed, p)
		mu.Unlock()
		return nil
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(indexed) == 1
	})
}

func TestWatcherIndexesNewlyCreatedSnapshot(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Directory = dir
	cfg.DebounceInterval = 10 * time.Millisecond
	cfg.PollInterval = time.Hour

	w, err := New(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var indexed []string
	w.SetCallback(func(p string) error {
		mu.Lock()
		indexed = append(indexed, p)
		mu.Unlock()
		return nil
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "fresh.objex")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(indexed) == 1 && indexed[0] == path
	})
}

func TestWatcherIgnoresNonMatchingExtension(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Directory = dir
	cfg.DebounceInterval = 10 * time.Millisecond
	cfg.PollInterval = time.Hour

	w, err := New(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var indexed []string
	w.SetCallback(func(p string) error {
		mu.Lock()
		indexed = append(indexed, p)
		mu.Unlock()
		return nil
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// Create a snapshot afterwards so we have a positive signal that the
	// loop is alive and processed events at all.
	path := filepath.Join(dir, "real.objex")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(indexed) == 1 && indexed[0] == path
	})
}

func TestWatcherRetriesFailedIndexOnNextScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.objex")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Directory = dir
	cfg.DebounceInterval = 10 * time.Millisecond
	cfg.PollInterval = 30 * time.Millisecond

	w, err := New(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	attempts := 0
	w.SetCallback(func(p string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errFirstAttempt
		}
		return nil
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	})

	stats := w.Stats()
	if stats.IndexFailures != 1 {
		t.Errorf("IndexFailures = %d, want 1", stats.IndexFailures)
	}
}

var errFirstAttempt = &testError{"first attempt fails"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestDisabledWatcherStartStopNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	w, err := New(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
