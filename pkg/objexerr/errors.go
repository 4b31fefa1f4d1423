// Package objexerr provides the single standardized error type used across
// capture, storage, indexing, and query.
package objexerr

import (
	"fmt"
	"runtime"
	"time"
)

// Kind is one of the closed set of error kinds from spec.md §7.
type Kind string

const (
	// KindSnapshotIO means the writer could not persist the snapshot.
	KindSnapshotIO Kind = "snapshot-io"
	// KindSnapshotIncomplete means the header's incomplete flag is set; the
	// query engine may still open the artifact in read-only degraded mode.
	KindSnapshotIncomplete Kind = "snapshot-incomplete"
	// KindSchemaMismatch means the analysis artifact's schema version is not
	// recognized by the query engine.
	KindSchemaMismatch Kind = "schema-mismatch"
	// KindNodeNotFound means a query referenced an id absent from the
	// snapshot.
	KindNodeNotFound Kind = "node-not-found"
	// KindBudgetExhausted means a retention-path query hit its visit cap.
	KindBudgetExhausted Kind = "budget-exhausted"
	// KindShapeExtractionFailed is per-object and non-fatal: recorded on the
	// node, never propagated as a capture failure.
	KindShapeExtractionFailed Kind = "shape-extraction-failed"
)

// Severity levels for errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AppError is the standardized error carried across every objex component.
type AppError struct {
	Kind       Kind
	Message    string
	Component  string
	Operation  string
	Cause      error
	StackTrace string
	Metadata   map[string]interface{}
	Timestamp  time.Time
	Severity   Severity
}

// New creates a new AppError at medium severity.
func New(kind Kind, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)
	return &AppError{
		Kind:       kind,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// NewCritical creates a critical-severity AppError.
func NewCritical(kind Kind, component, operation, message string) *AppError {
	err := New(kind, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *AppError) Unwrap() error { return e.Cause }

// Wrap attaches cause as the underlying error.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a key/value pair for structured logging.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// KindOf returns the Kind carried by err and true when err is itself an
// *AppError; for any other error, including one that wraps an *AppError, it
// returns "" and false.
func KindOf(err error) (Kind, bool) {
	if ae, ok := err.(*AppError); ok {
		return ae.Kind, true
	}
	return "", false
}

// Snapshot-io / schema / node-not-found / budget-exhausted convenience
// constructors — mirror the common-case helpers the teacher's error package
// exposes per concern.

func SnapshotIOError(operation, message string) *AppError {
	return New(KindSnapshotIO, "snapshotwriter", operation, message)
}

func SnapshotIncompleteError(operation, message string) *AppError {
	return New(KindSnapshotIncomplete, "snapshotwriter", operation, message)
}

func SchemaMismatchError(operation, message string) *AppError {
	return NewCritical(KindSchemaMismatch, "query", operation, message)
}

func NodeNotFoundError(operation, message string) *AppError {
	return New(KindNodeNotFound, "query", operation, message)
}

func BudgetExhaustedError(operation, message string) *AppError {
	return New(KindBudgetExhausted, "query", operation, message)
}

func ShapeExtractionError(operation, message string) *AppError {
	return New(KindShapeExtractionFailed, "traversal", operation, message)
}
