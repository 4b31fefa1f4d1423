package indexer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/kurtbrose/objex/internal/snapshotwriter"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "modernc.org/sqlite"
)

func seedSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.db")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	w, err := snapshotwriter.Open(snapshotwriter.Config{DestinationPath: path, BatchSize: 10}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	nodes := []types.Node{
		{ID: 1, TypeID: 100, Size: 8, Classification: types.ClassModule},
		{ID: 2, TypeID: 101, Size: 16, Classification: types.ClassUserInstance},
		{ID: 3, TypeID: 101, Size: 16, Classification: types.ClassUserInstance},
	}
	for _, n := range nodes {
		if err := w.WriteNode(n); err != nil {
			t.Fatalf("WriteNode: %v", err)
		}
	}
	edges := []types.Edge{
		{Src: 1, Dst: 2, LabelKind: types.LabelAttr, Label: "a"},
		{Src: 1, Dst: 3, LabelKind: types.LabelAttr, Label: "b"},
		{Src: 2, Dst: 3, LabelKind: types.LabelAttr, Label: "next"},
	}
	if err := w.WriteEdges(edges); err != nil {
		t.Fatalf("WriteEdges: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func newTestIndexer(t *testing.T, path string) *Indexer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	idx, err := Open(path, logger, tp.Tracer("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBuildIndicesPopulatesReverseEdgeIndex(t *testing.T) {
	path := seedSnapshot(t)
	idx := newTestIndexer(t, path)

	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("BuildIndices: %v", err)
	}

	rows, err := idx.db.Query("SELECT src_id, label FROM reverse_reference WHERE dst_id = 3 ORDER BY src_id")
	if err != nil {
		t.Fatalf("query reverse_reference: %v", err)
	}
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var src int64
		var label sql.NullString
		if err := rows.Scan(&src, &label); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, src)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("reverse edges into node 3 = %v, want [1 2]", got)
	}
}

func TestBuildIndicesPopulatesRootBitmapAndStats(t *testing.T) {
	path := seedSnapshot(t)
	idx := newTestIndexer(t, path)

	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("BuildIndices: %v", err)
	}

	var nodeCount, totalBytes int64
	if err := idx.db.QueryRow("SELECT node_count, total_bytes FROM stats_summary WHERE id = 0").
		Scan(&nodeCount, &totalBytes); err != nil {
		t.Fatalf("query stats_summary: %v", err)
	}
	if nodeCount != 3 {
		t.Errorf("node_count = %d, want 3", nodeCount)
	}
	if totalBytes != 40 {
		t.Errorf("total_bytes = %d, want 40", totalBytes)
	}

	var bitmapBlob []byte
	if err := idx.db.QueryRow("SELECT bitmap FROM root_bitmap WHERE id = 0").Scan(&bitmapBlob); err != nil {
		t.Fatalf("query root_bitmap: %v", err)
	}
	if len(bitmapBlob) == 0 {
		t.Error("expected a non-empty root bitmap blob")
	}

	var schemaVersion int
	if err := idx.db.QueryRow("SELECT schema_version FROM header WHERE id = 0").Scan(&schemaVersion); err != nil {
		t.Fatalf("query header: %v", err)
	}
	if schemaVersion != currentSchemaVersion {
		t.Errorf("schema_version = %d, want %d", schemaVersion, currentSchemaVersion)
	}
}

func TestBuildIndicesIsIdempotent(t *testing.T) {
	path := seedSnapshot(t)
	idx := newTestIndexer(t, path)

	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("first BuildIndices: %v", err)
	}
	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("second BuildIndices: %v", err)
	}

	var count int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM reverse_reference").Scan(&count); err != nil {
		t.Fatalf("count reverse_reference: %v", err)
	}
	if count != 3 {
		t.Errorf("reverse_reference count after two runs = %d, want 3 (not doubled)", count)
	}
}
