// Package indexer implements the Analysis Indexer from spec.md §4.3: an
// offline, idempotent pass that augments a raw snapshot with a reverse-edge
// index, a type-to-members index, a root-node bitmap, and summary
// statistics.
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kurtbrose/objex/pkg/metrics"
	"github.com/kurtbrose/objex/pkg/objexerr"
	"github.com/kurtbrose/objex/pkg/tracing"
	"github.com/kurtbrose/objex/pkg/types"
	"github.com/kurtbrose/objex/pkg/workerpool"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

// currentSchemaVersion is bumped on every completed analysis pass; the
// query engine refuses to open an artifact whose header carries anything
// lower.
const currentSchemaVersion = 1

const indexSchemaDDL = `
CREATE TABLE IF NOT EXISTS reverse_reference (
	dst_id INTEGER NOT NULL,
	src_id INTEGER NOT NULL,
	label_kind INTEGER NOT NULL,
	label TEXT,
	ref_rowid INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reverse_reference_dst_idx ON reverse_reference(dst_id);

CREATE TABLE IF NOT EXISTS type_member (
	type_id INTEGER NOT NULL,
	object_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS type_member_type_idx ON type_member(type_id);

CREATE TABLE IF NOT EXISTS root_bitmap (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	bitmap BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS stats_summary (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	node_count INTEGER NOT NULL,
	total_bytes INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stats_by_classification (
	classification TEXT PRIMARY KEY,
	count INTEGER NOT NULL
);
`

// Indexer builds the derived indices over a raw snapshot's sqlite database.
type Indexer struct {
	db     *sql.DB
	pool   *workerpool.WorkerPool
	logger *logrus.Logger
	tracer oteltrace.Tracer
}

// Open opens the snapshot at path for indexing. The caller owns closing it
// via Close once BuildIndices returns.
func Open(path string, logger *logrus.Logger, tracer oteltrace.Tracer) (*Indexer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, objexerr.SnapshotIOError("Open", "failed to open snapshot for indexing").Wrap(err)
	}
	db.SetMaxOpenConns(4)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, objexerr.SnapshotIOError("Open", "failed to enable WAL mode").Wrap(err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, objexerr.SnapshotIOError("Open", "failed to set busy timeout").Wrap(err)
	}
	if _, err := db.Exec(indexSchemaDDL); err != nil {
		_ = db.Close()
		return nil, objexerr.SnapshotIOError("Open", "failed to create index schema").Wrap(err)
	}

	pool := workerpool.New(workerpool.DefaultConfig(), logger)
	if err := pool.Start(); err != nil {
		_ = db.Close()
		return nil, objexerr.SnapshotIOError("Open", "failed to start index worker pool").Wrap(err)
	}

	return &Indexer{db: db, pool: pool, logger: logger, tracer: tracer}, nil
}

// Close stops the worker pool and the database connection.
func (idx *Indexer) Close() error {
	_ = idx.pool.Stop()
	return idx.db.Close()
}

// BuildIndices implements types.Indexer. It truncates any prior derived
// tables (so reruns are idempotent modulo the header timestamp) and
// rebuilds the reverse-edge index, type-member index, root bitmap, and
// summary stats concurrently, one worker-pool task apiece.
func (idx *Indexer) BuildIndices(ctx context.Context) error {
	span, ctx := tracing.Start(ctx, idx.tracer, "indexer.BuildIndices")
	defer span.End()
	start := time.Now()

	if err := idx.truncateDerivedTables(); err != nil {
		span.SetError(err)
		return err
	}

	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"reverse-edge", idx.buildReverseEdgeIndex},
		{"type-member", idx.buildTypeMemberIndex},
		{"root-bitmap", idx.buildRootBitmap},
		{"stats", idx.buildStats},
	}

	results := make(chan error, len(tasks))
	for _, t := range tasks {
		t := t
		taskStart := time.Now()
		err := idx.pool.Submit(workerpool.Task{
			ID: t.name,
			Execute: func(taskCtx context.Context) error {
				err := t.fn(taskCtx)
				metrics.RecordIndexBuild(t.name, time.Since(taskStart))
				results <- err
				return err
			},
		})
		if err != nil {
			results <- fmt.Errorf("submit %s: %w", t.name, err)
		}
	}

	var firstErr error
	for range tasks {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		span.SetError(firstErr)
		return objexerr.SnapshotIOError("BuildIndices", "one or more index builds failed").Wrap(firstErr)
	}

	if err := idx.bumpSchemaVersion(); err != nil {
		span.SetError(err)
		return err
	}

	idx.logger.WithField("duration", time.Since(start)).Info("indexer: analysis pass complete")
	return nil
}

func (idx *Indexer) truncateDerivedTables() error {
	for _, table := range []string{"reverse_reference", "type_member", "root_bitmap", "stats_summary", "stats_by_classification"} {
		if _, err := idx.db.Exec("DELETE FROM " + table); err != nil {
			return objexerr.SnapshotIOError("truncateDerivedTables", "failed to clear "+table).Wrap(err)
		}
	}
	return nil
}

// buildReverseEdgeIndex materializes the dst_id → [(src_id, label)] index,
// sorted by dst_id: a plain sorted table plays the role the gocore-style CSR
// array (ridx/redge) plays in a process dumped to memory, but backed by
// sqlite's own B-tree index instead of hand-rolled prefix sums.
func (idx *Indexer) buildReverseEdgeIndex(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, "SELECT rowid, src_id, label_kind, label, dst_id FROM reference ORDER BY dst_id")
	if err != nil {
		return objexerr.SnapshotIOError("buildReverseEdgeIndex", "failed to scan reference table").Wrap(err)
	}
	defer rows.Close()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return objexerr.SnapshotIOError("buildReverseEdgeIndex", "failed to begin transaction").Wrap(err)
	}
	stmt, err := tx.Prepare("INSERT INTO reverse_reference (dst_id, src_id, label_kind, label, ref_rowid) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("buildReverseEdgeIndex", "failed to prepare insert").Wrap(err)
	}
	defer stmt.Close()

	for rows.Next() {
		var rowID, srcID, dstID int64
		var labelKind int
		var label sql.NullString
		if err := rows.Scan(&rowID, &srcID, &labelKind, &label, &dstID); err != nil {
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("buildReverseEdgeIndex", "failed to scan row").Wrap(err)
		}
		if _, err := stmt.Exec(dstID, srcID, labelKind, label, rowID); err != nil {
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("buildReverseEdgeIndex", "failed to insert reverse edge").Wrap(err)
		}
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("buildReverseEdgeIndex", "row iteration failed").Wrap(err)
	}
	return tx.Commit()
}

// buildTypeMemberIndex materializes type_id → [object_id].
func (idx *Indexer) buildTypeMemberIndex(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, "SELECT id, type_id FROM object ORDER BY type_id, id")
	if err != nil {
		return objexerr.SnapshotIOError("buildTypeMemberIndex", "failed to scan object table").Wrap(err)
	}
	defer rows.Close()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return objexerr.SnapshotIOError("buildTypeMemberIndex", "failed to begin transaction").Wrap(err)
	}
	stmt, err := tx.Prepare("INSERT INTO type_member (type_id, object_id) VALUES (?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("buildTypeMemberIndex", "failed to prepare insert").Wrap(err)
	}
	defer stmt.Close()

	for rows.Next() {
		var id, typeID int64
		if err := rows.Scan(&id, &typeID); err != nil {
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("buildTypeMemberIndex", "failed to scan row").Wrap(err)
		}
		if _, err := stmt.Exec(typeID, id); err != nil {
			_ = tx.Rollback()
			return objexerr.SnapshotIOError("buildTypeMemberIndex", "failed to insert type member").Wrap(err)
		}
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return objexerr.SnapshotIOError("buildTypeMemberIndex", "row iteration failed").Wrap(err)
	}
	return tx.Commit()
}

// buildRootBitmap marks every node whose classification is module or frame.
func (idx *Indexer) buildRootBitmap(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx,
		"SELECT id FROM object WHERE classification IN (?, ?)", string(types.ClassModule), string(types.ClassFrame))
	if err != nil {
		return objexerr.SnapshotIOError("buildRootBitmap", "failed to scan root candidates").Wrap(err)
	}
	defer rows.Close()

	bm := roaring.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return objexerr.SnapshotIOError("buildRootBitmap", "failed to scan row").Wrap(err)
		}
		bm.Add(uint32(id))
	}
	if err := rows.Err(); err != nil {
		return objexerr.SnapshotIOError("buildRootBitmap", "row iteration failed").Wrap(err)
	}

	encoded, err := bm.ToBytes()
	if err != nil {
		return objexerr.SnapshotIOError("buildRootBitmap", "failed to serialize bitmap").Wrap(err)
	}
	if _, err := idx.db.ExecContext(ctx,
		"INSERT INTO root_bitmap (id, bitmap) VALUES (0, ?)", encoded); err != nil {
		return objexerr.SnapshotIOError("buildRootBitmap", "failed to persist bitmap").Wrap(err)
	}
	return nil
}

// buildStats computes total node count, total byte sum, and per-
// classification counts.
func (idx *Indexer) buildStats(ctx context.Context) error {
	var nodeCount, totalBytes int64
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM object").
		Scan(&nodeCount, &totalBytes); err != nil {
		return objexerr.SnapshotIOError("buildStats", "failed to aggregate object table").Wrap(err)
	}
	if _, err := idx.db.ExecContext(ctx,
		"INSERT INTO stats_summary (id, node_count, total_bytes) VALUES (0, ?, ?)", nodeCount, totalBytes); err != nil {
		return objexerr.SnapshotIOError("buildStats", "failed to persist summary").Wrap(err)
	}

	rows, err := idx.db.QueryContext(ctx, "SELECT classification, COUNT(*) FROM object GROUP BY classification")
	if err != nil {
		return objexerr.SnapshotIOError("buildStats", "failed to aggregate by classification").Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var classification string
		var count int64
		if err := rows.Scan(&classification, &count); err != nil {
			return objexerr.SnapshotIOError("buildStats", "failed to scan classification row").Wrap(err)
		}
		if _, err := idx.db.ExecContext(ctx,
			"INSERT INTO stats_by_classification (classification, count) VALUES (?, ?)", classification, count); err != nil {
			return objexerr.SnapshotIOError("buildStats", "failed to persist classification count").Wrap(err)
		}
	}
	return rows.Err()
}

func (idx *Indexer) bumpSchemaVersion() error {
	_, err := idx.db.Exec(
		"UPDATE header SET schema_version = ?, indexed_at = ? WHERE id = 0",
		currentSchemaVersion, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return objexerr.SnapshotIOError("bumpSchemaVersion", "failed to mark analysis complete").Wrap(err)
	}
	return nil
}

var _ types.Indexer = (*Indexer)(nil)
