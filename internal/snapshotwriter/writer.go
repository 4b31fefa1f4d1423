// Package snapshotwriter implements types.SnapshotWriter over an embedded
// modernc.org/sqlite database: the four logical tables from spec.md §4.2
// (object, type, reference, string), batched and flushed under a
// backpressure.Manager so the traversal engine never buffers unboundedly.
package snapshotwriter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kurtbrose/objex/pkg/backpressure"
	"github.com/kurtbrose/objex/pkg/compression"
	"github.com/kurtbrose/objex/pkg/objexerr"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Config tunes batching and the destination path.
type Config struct {
	DestinationPath string
	BatchSize       int
	TargetRSSBytes  uint64
	Hostname        string

	// ExportCodec, if non-empty, names a pkg/compression codec used to write
	// a compressed copy of the finished sqlite artifact alongside it for
	// export off the capturing host. The primary artifact is left
	// uncompressed so the Query Engine can open it with sql.Open directly.
	ExportCodec string
}

// DefaultConfig returns the teacher-scaled batch defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 2000}
}

// Writer is a types.SnapshotWriter backed by a single sqlite file.
type Writer struct {
	db     *sql.DB
	config Config
	logger *logrus.Logger
	bp     *backpressure.Manager

	mu           sync.Mutex
	pendingNodes []types.Node
	pendingEdges []types.Edge
	pendingTypes []types.TypeRecord

	stringIDs map[uint64]types.StringRef
	nextStrID types.StringRef
	typeIDs   map[types.NodeID]struct{}

	closed bool
}

// Open creates (overwriting) the destination file and prepares the schema.
func Open(config Config, logger *logrus.Logger) (*Writer, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 2000
	}
	_ = os.Remove(config.DestinationPath)

	db, err := sql.Open("sqlite", config.DestinationPath)
	if err != nil {
		return nil, objexerr.SnapshotIOError("Open", "failed to open destination").Wrap(err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, objexerr.SnapshotIOError("Open", "failed to create schema").Wrap(err)
	}

	w := &Writer{
		db:        db,
		config:    config,
		logger:    logger,
		bp:        backpressure.NewManager(backpressure.Config{}, logger),
		stringIDs: make(map[uint64]types.StringRef),
		typeIDs:   make(map[types.NodeID]struct{}),
	}
	if err := w.writeHeader(true); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

const schemaDDL = `
CREATE TABLE object (
	id INTEGER PRIMARY KEY,
	type_id INTEGER NOT NULL,
	size INTEGER NOT NULL,
	refcount INTEGER NOT NULL,
	len_or_null INTEGER,
	preview_or_null TEXT,
	shape_error INTEGER NOT NULL DEFAULT 0,
	classification TEXT NOT NULL
);
CREATE TABLE type (
	id INTEGER PRIMARY KEY,
	name_str_id INTEGER,
	type_node_id INTEGER NOT NULL,
	classification TEXT NOT NULL
);
CREATE TABLE reference (
	src_id INTEGER NOT NULL,
	label_kind INTEGER NOT NULL,
	label TEXT,
	idx INTEGER,
	dst_id INTEGER NOT NULL,
	key_node_id INTEGER,
	has_key_ref INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE string (
	id INTEGER PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE header (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	captured_at TEXT NOT NULL,
	hostname TEXT NOT NULL,
	target_rss_bytes INTEGER NOT NULL,
	format_version INTEGER NOT NULL,
	incomplete INTEGER NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 0,
	indexed_at TEXT
);
`

const formatVersion = 1

func (w *Writer) writeHeader(incomplete bool) error {
	hostname := w.config.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	_, err := w.db.Exec(
		`INSERT INTO header (id, captured_at, hostname, target_rss_bytes, format_version, incomplete)
		 VALUES (0, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET incomplete=excluded.incomplete`,
		time.Now().UTC().Format(time.RFC3339Nano), hostname, w.config.TargetRSSBytes, formatVersion, boolToInt(incomplete),
	)
	if err != nil {
		return objexerr.SnapshotIOError("writeHeader", "failed to write header row").Wrap(err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WriteNode implements types.SnapshotWriter. The node's preview text is
// stored as-is in the object row's preview_or_null column; it is not
// interned into the string table.
func (w *Writer) WriteNode(n types.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return objexerr.SnapshotIOError("WriteNode", "writer already closed")
	}
	w.pendingNodes = append(w.pendingNodes, n)
	w.updateBackpressureLocked()
	if len(w.pendingNodes) >= w.config.BatchSize {
		return w.flushNodesLocked()
	}
	return nil
}

// WriteEdges implements types.SnapshotWriter.
func (w *Writer) WriteEdges(edges []types.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return objexerr.SnapshotIOError("WriteEdges", "writer already closed")
	}
	w.pendingEdges = append(w.pendingEdges, edges...)
	w.updateBackpressureLocked()
	if len(w.pendingEdges) >= w.config.BatchSize {
		return w.flushEdgesLocked()
	}
	return nil
}

// WriteType implements types.SnapshotWriter, recording a row in the type
// table for a type-classification node the traversal engine has visited.
// Calls for an id already recorded are ignored, since the same type node can
// be reached through more than one instance's TypeID.
func (w *Writer) WriteType(t types.TypeRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return objexerr.SnapshotIOError("WriteType", "writer already closed")
	}
	if _, seen := w.typeIDs[t.ID]; seen {
		return nil
	}
	w.typeIDs[t.ID] = struct{}{}
	w.pendingTypes = append(w.pendingTypes, t)
	if len(w.pendingTypes) >= w.config.BatchSize {
		return w.flushTypesLocked()
	}
	return nil
}

func (w *Writer) updateBackpressureLocked() {
	util := float64(len(w.pendingNodes)+len(w.pendingEdges)) / float64(2*w.config.BatchSize)
	if util > 1 {
		util = 1
	}
	w.bp.UpdateMetrics(backpressure.Metrics{QueueUtilization: util})
}

// InternString implements types.SnapshotWriter, deduplicating by content
// hash the way the teacher's graph store avoids storing the same blob twice.
func (w *Writer) InternString(s string) (types.StringRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.internStringLocked(s)
}

func (w *Writer) internStringLocked(s string) (types.StringRef, error) {
	h := xxhash.Sum64String(s)
	if ref, ok := w.stringIDs[h]; ok {
		return ref, nil
	}
	ref := w.nextStrID
	w.nextStrID++
	if _, err := w.db.Exec(`INSERT INTO string (id, value) VALUES (?, ?)`, ref, []byte(s)); err != nil {
		return 0, objexerr.SnapshotIOError("InternString", "failed to insert string row").Wrap(err)
	}
	w.stringIDs[h] = ref
	return ref, nil
}

func (w *Writer) flushNodesLocked() error {
	if len(w.pendingNodes) == 0 {
		return nil
	}
	tx, err := w.db.Begin()
	if err != nil {
		return objexerr.SnapshotIOError("Flush", "failed to begin node batch").Wrap(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO object (id, type_id, size, refcount, len_or_null, preview_or_null, shape_error, classification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("Flush", "failed to prepare node insert").Wrap(err)
	}
	for _, n := range w.pendingNodes {
		var lenOrNull interface{}
		if n.Len >= 0 {
			lenOrNull = n.Len
		}
		var preview interface{}
		if n.Preview != "" {
			preview = n.Preview
		}
		if _, err := stmt.Exec(n.ID, n.TypeID, n.Size, n.RefCount, lenOrNull, preview, boolToInt(n.ShapeError), string(n.Classification)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("Flush", fmt.Sprintf("failed to insert node %d", n.ID)).Wrap(err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return objexerr.SnapshotIOError("Flush", "failed to commit node batch").Wrap(err)
	}
	w.pendingNodes = w.pendingNodes[:0]
	return nil
}

func (w *Writer) flushEdgesLocked() error {
	if len(w.pendingEdges) == 0 {
		return nil
	}
	tx, err := w.db.Begin()
	if err != nil {
		return objexerr.SnapshotIOError("Flush", "failed to begin edge batch").Wrap(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO reference (src_id, label_kind, label, idx, dst_id, key_node_id, has_key_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("Flush", "failed to prepare edge insert").Wrap(err)
	}
	for _, e := range w.pendingEdges {
		var idx interface{}
		if e.LabelKind == types.LabelIndex {
			idx = e.Index
		}
		var keyNodeID interface{}
		if e.HasKeyRef {
			keyNodeID = e.KeyNodeID
		}
		if _, err := stmt.Exec(e.Src, int(e.LabelKind), e.Label, idx, e.Dst, keyNodeID, boolToInt(e.HasKeyRef)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("Flush", fmt.Sprintf("failed to insert edge %d->%d", e.Src, e.Dst)).Wrap(err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return objexerr.SnapshotIOError("Flush", "failed to commit edge batch").Wrap(err)
	}
	w.pendingEdges = w.pendingEdges[:0]
	return nil
}

func (w *Writer) flushTypesLocked() error {
	if len(w.pendingTypes) == 0 {
		return nil
	}
	tx, err := w.db.Begin()
	if err != nil {
		return objexerr.SnapshotIOError("Flush", "failed to begin type batch").Wrap(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO type (id, name_str_id, type_node_id, classification)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("Flush", "failed to prepare type insert").Wrap(err)
	}
	for _, t := range w.pendingTypes {
		nameRef, err := w.internStringLocked(t.Name)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(t.ID, nameRef, t.TypeNodeID, string(t.Classification)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("Flush", fmt.Sprintf("failed to insert type %d", t.ID)).Wrap(err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return objexerr.SnapshotIOError("Flush", "failed to commit type batch").Wrap(err)
	}
	w.pendingTypes = w.pendingTypes[:0]
	return nil
}

// Flush implements types.SnapshotWriter: drains any buffered nodes, edges,
// and type records.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushNodesLocked(); err != nil {
		return err
	}
	if err := w.flushEdgesLocked(); err != nil {
		return err
	}
	return w.flushTypesLocked()
}

// Close implements types.SnapshotWriter: flushes remaining records, writes
// the final header with the incomplete flag, and closes the database.
func (w *Writer) Close(incomplete bool) error {
	w.mu.Lock()
	defer func() {
		w.closed = true
		w.mu.Unlock()
	}()
	if w.closed {
		return nil
	}
	flushErr := w.flushNodesLocked()
	if flushErr == nil {
		flushErr = w.flushEdgesLocked()
	}
	if flushErr == nil {
		flushErr = w.flushTypesLocked()
	}
	if flushErr != nil {
		incomplete = true
	}
	if err := w.writeHeader(incomplete); err != nil {
		if flushErr == nil {
			flushErr = err
		}
	}
	if err := w.db.Close(); err != nil && flushErr == nil {
		flushErr = objexerr.SnapshotIOError("Close", "failed to close database").Wrap(err)
	}
	if flushErr == nil && !incomplete && w.config.ExportCodec != "" {
		if err := w.exportCompressed(); err != nil {
			w.logger.WithError(err).Warn("snapshotwriter: compressed export failed, primary artifact is still valid")
		}
	}
	return flushErr
}

// exportCompressed writes a compressed copy of the finished artifact next to
// it, named DestinationPath plus the codec's extension, for operators moving
// a snapshot off the capturing host.
func (w *Writer) exportCompressed() error {
	codec, err := compression.NewRegistry().Get(w.config.ExportCodec)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(w.config.DestinationPath)
	if err != nil {
		return fmt.Errorf("snapshotwriter: read artifact for export: %w", err)
	}
	compressed, err := codec.Compress(data)
	if err != nil {
		return fmt.Errorf("snapshotwriter: compress artifact: %w", err)
	}
	exportPath := w.config.DestinationPath + "." + codec.Name()
	if err := os.WriteFile(exportPath, compressed, 0o644); err != nil {
		return fmt.Errorf("snapshotwriter: write compressed export: %w", err)
	}
	w.logger.WithFields(logrus.Fields{"path": exportPath, "codec": codec.Name()}).Info("snapshotwriter: compressed export written")
	return nil
}

var _ types.SnapshotWriter = (*Writer)(nil)
