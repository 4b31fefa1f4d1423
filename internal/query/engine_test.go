package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kurtbrose/objex/internal/indexer"
	"github.com/kurtbrose/objex/internal/snapshotwriter"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// buildSnapshot writes and indexes a small graph:
//
//	1 (module, root) -> 2 (attr "a") -> 3 (attr "b")
//	4 (frame, root)  -> 3 (attr "c")
//	5 (user-instance, unreachable from any root)
func buildSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.db")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	w, err := snapshotwriter.Open(snapshotwriter.Config{DestinationPath: path, BatchSize: 10}, logger)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	nodes := []types.Node{
		{ID: 1, TypeID: 100, Size: 8, Classification: types.ClassModule},
		{ID: 2, TypeID: 101, Size: 16, Classification: types.ClassUserInstance},
		{ID: 3, TypeID: 101, Size: 16, Classification: types.ClassUserInstance},
		{ID: 4, TypeID: 102, Size: 8, Classification: types.ClassFrame},
		{ID: 5, TypeID: 101, Size: 16, Classification: types.ClassUserInstance},
	}
	for _, n := range nodes {
		if err := w.WriteNode(n); err != nil {
			t.Fatalf("WriteNode: %v", err)
		}
	}
	edges := []types.Edge{
		{Src: 1, Dst: 2, LabelKind: types.LabelAttr, Label: "a"},
		{Src: 2, Dst: 3, LabelKind: types.LabelAttr, Label: "b"},
		{Src: 4, Dst: 3, LabelKind: types.LabelAttr, Label: "c"},
	}
	if err := w.WriteEdges(edges); err != nil {
		t.Fatalf("WriteEdges: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	idx, err := indexer.Open(path, logger, tp.Tracer("seed"))
	if err != nil {
		t.Fatalf("Open indexer: %v", err)
	}
	defer idx.Close()
	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("BuildIndices: %v", err)
	}
	return path
}

func newTestEngine(t *testing.T, path string) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, err := Open(path, DefaultConfig(), logger, tp.Tracer("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenRejectsUnindexedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	w, err := snapshotwriter.Open(snapshotwriter.Config{DestinationPath: path, BatchSize: 10}, logger)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	_ = w.WriteNode(types.Node{ID: 1, Classification: types.ClassModule})
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	if _, err := Open(path, DefaultConfig(), logger, tp.Tracer("test")); err == nil {
		t.Fatal("expected Open to reject a snapshot with schema_version=0")
	}
}

func TestLookupReturnsNodeAndOutboundEdges(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	node, edges, ok := e.Lookup(1)
	if !ok {
		t.Fatal("expected node 1 to be found")
	}
	if node.Classification != types.ClassModule {
		t.Errorf("classification = %v, want module", node.Classification)
	}
	if len(edges) != 1 || edges[0].Dst != 2 {
		t.Errorf("outbound edges = %+v, want single edge to 2", edges)
	}

	if _, _, ok := e.Lookup(999); ok {
		t.Error("expected Lookup of unknown id to report false")
	}
}

func TestInboundServedFromReverseIndex(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	edges := e.Inbound(3)
	if len(edges) != 2 {
		t.Fatalf("inbound edges into 3 = %d, want 2", len(edges))
	}
	if edges[0].Src != 2 || edges[1].Src != 4 {
		t.Errorf("inbound edges = %+v, want src [2 4]", edges)
	}
}

func TestRandomOnlyReturnsNonRootNodes(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	for i := 0; i < 20; i++ {
		id, ok := e.Random()
		if !ok {
			t.Fatal("expected Random to find a candidate")
		}
		if id == 1 || id == 4 {
			t.Errorf("Random returned a root node id %d", id)
		}
	}
}

func TestStatsReflectsIndexedSummary(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	s := e.Stats()
	if s.NodeCount != 5 {
		t.Errorf("NodeCount = %d, want 5", s.NodeCount)
	}
	if s.PerClassification[types.ClassModule] != 1 {
		t.Errorf("module count = %d, want 1", s.PerClassification[types.ClassModule])
	}
}

func TestPathsToRootsFindsModuleReachablePath(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	result := e.PathsToRoots(3, 5)
	if result.Termination != types.TerminationModuleReachable {
		t.Fatalf("termination = %v, want module-reachable", result.Termination)
	}
	if len(result.Paths) == 0 {
		t.Fatal("expected at least one retention path")
	}
	var sawModuleRoot bool
	for _, p := range result.Paths {
		if p.Root == 1 {
			sawModuleRoot = true
			if len(p.Steps) != 2 {
				t.Errorf("path from module root to 3 has %d steps, want 2", len(p.Steps))
			}
		}
	}
	if !sawModuleRoot {
		t.Error("expected a path rooted at the module node 1")
	}
}

func TestPathsToRootsOnUnreachableNodeReportsNoRoot(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	result := e.PathsToRoots(5, 1)
	if result.Termination != types.TerminationNoRoot {
		t.Errorf("termination = %v, want no-root-reachable", result.Termination)
	}
	if len(result.Paths) != 0 {
		t.Errorf("expected no paths for an unreachable node, got %+v", result.Paths)
	}
}

func TestPathsToRootsOnRootItselfIsTrivial(t *testing.T) {
	e := newTestEngine(t, buildSnapshot(t))

	result := e.PathsToRoots(1, 3)
	if result.Termination != types.TerminationModuleReachable {
		t.Errorf("termination = %v, want module-reachable", result.Termination)
	}
	if len(result.Paths) != 1 || len(result.Paths[0].Steps) != 0 {
		t.Errorf("expected a single zero-length path, got %+v", result.Paths)
	}
}

// buildChainSnapshot writes a strict chain 1 (module root) -> 2 -> 3 with no
// shortcut to a root, so a one-visit budget trips before node 1 is ever
// discovered.
func buildChainSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.db")
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	w, err := snapshotwriter.Open(snapshotwriter.Config{DestinationPath: path, BatchSize: 10}, logger)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
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
		{Src: 2, Dst: 3, LabelKind: types.LabelAttr, Label: "b"},
	}
	if err := w.WriteEdges(edges); err != nil {
		t.Fatalf("WriteEdges: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	idx, err := indexer.Open(path, logger, tp.Tracer("seed"))
	if err != nil {
		t.Fatalf("Open indexer: %v", err)
	}
	defer idx.Close()
	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("BuildIndices: %v", err)
	}
	return path
}

func TestPathsToRootsRespectsBudget(t *testing.T) {
	e := newTestEngine(t, buildChainSnapshot(t))
	e.config.Budget.MaxVisits = 1

	result := e.PathsToRoots(3, 1)
	if result.Termination != types.TerminationBudgetExhausted {
		t.Errorf("termination = %v, want budget-exhausted", result.Termination)
	}
	if len(result.Paths) != 0 {
		t.Errorf("expected no paths once the budget is exhausted, got %+v", result.Paths)
	}
}
