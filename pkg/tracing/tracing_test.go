package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewManagerDisabledReturnsNoopTracer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m, err := NewManager(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Tracer() == nil {
		t.Fatal("expected a noop tracer, got nil")
	}

	span, ctx := Start(context.Background(), m.Tracer(), "test-op")
	if span == nil || ctx == nil {
		t.Fatal("expected Start to return a usable span and context")
	}
	span.SetAttribute("key", "value")
	span.SetError(nil)
	span.End()

	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on a noop manager: %v", err)
	}
}

func TestNewManagerUnsupportedExporterFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "nonexistent"

	if _, err := NewManager(cfg, newTestLogger()); err == nil {
		t.Fatal("expected an error for an unsupported exporter")
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("DefaultConfig should be disabled by default")
	}
	if cfg.ServiceName != "objex" {
		t.Errorf("ServiceName = %q, want objex", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v, want 1.0", cfg.SampleRate)
	}
}

func TestSpanSetAttributeHandlesCommonTypes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m, err := NewManager(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	span, _ := Start(context.Background(), m.Tracer(), "attrs")
	defer span.End()

	span.SetAttribute("str", "value")
	span.SetAttribute("int", 42)
	span.SetAttribute("int64", int64(42))
	span.SetAttribute("float", 3.14)
	span.SetAttribute("bool", true)
	span.SetAttribute("other", struct{ X int }{X: 1})
}

func TestSpanSetErrorRecordsNonNilError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m, err := NewManager(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	span, _ := Start(context.Background(), m.Tracer(), "err-op")
	span.SetError(errors.New("boom"))
	span.End()
}
