package traversal

import (
	"context"
	"errors"
	"testing"

	"github.com/kurtbrose/objex/internal/heapsource"
	"github.com/kurtbrose/objex/pkg/secrets"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// fakeWriter is an in-memory types.SnapshotWriter used to assert what the
// engine would have persisted, without touching any real storage backend.
type fakeWriter struct {
	nodes       []types.Node
	edges       []types.Edge
	typeRecords []types.TypeRecord
	closed      bool
	incomplete  bool
	failOnWrite bool
}

func (w *fakeWriter) WriteNode(n types.Node) error {
	if w.failOnWrite {
		return errors.New("injected write failure")
	}
	w.nodes = append(w.nodes, n)
	return nil
}

func (w *fakeWriter) WriteEdges(edges []types.Edge) error {
	w.edges = append(w.edges, edges...)
	return nil
}

func (w *fakeWriter) WriteType(t types.TypeRecord) error {
	w.typeRecords = append(w.typeRecords, t)
	return nil
}

func (w *fakeWriter) InternString(s string) (types.StringRef, error) { return 0, nil }
func (w *fakeWriter) Flush(ctx context.Context) error                { return nil }
func (w *fakeWriter) Close(incomplete bool) error {
	w.closed = true
	w.incomplete = incomplete
	return nil
}

type leaf struct {
	Name string
}

type root struct {
	Children map[string]*leaf
	Self     *root
}

func newEngine(t *testing.T, r *root, w *fakeWriter) *Engine {
	t.Helper()
	src, err := heapsource.New([]heapsource.RootSeed{
		{Name: "app", Value: r, Classification: types.ClassModule},
	}, types.DefaultDumpOptions(), secrets.New(secrets.DefaultConfig()))
	if err != nil {
		t.Fatalf("heapsource.New: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(src, w, logger, tp.Tracer("test"))
}

func TestRunVisitsEveryReachableNodeOnce(t *testing.T) {
	r := &root{Children: map[string]*leaf{"a": {Name: "a"}, "b": {Name: "b"}}}
	r.Self = r // cycle: root refers to itself

	w := &fakeWriter{}
	e := newEngine(t, r, w)

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.NodesVisited != int64(len(w.nodes)) {
		t.Errorf("NodesVisited = %d, want %d (len(nodes written))", result.NodesVisited, len(w.nodes))
	}

	seen := make(map[types.NodeID]int)
	for _, n := range w.nodes {
		seen[n.ID]++
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("node %d written %d times, want exactly once", id, count)
		}
	}
	if !w.closed || w.incomplete {
		t.Errorf("expected writer closed cleanly, got closed=%v incomplete=%v", w.closed, w.incomplete)
	}
}

func TestRunMarksWriterIncompleteOnWriteFailure(t *testing.T) {
	r := &root{Children: map[string]*leaf{"a": {Name: "a"}}}
	w := &fakeWriter{failOnWrite: true}
	e := newEngine(t, r, w)

	_, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error when the writer fails")
	}
	if !w.closed || !w.incomplete {
		t.Errorf("expected writer closed with incomplete=true, got closed=%v incomplete=%v", w.closed, w.incomplete)
	}
}

func TestRunVisitsAndRecordsTypeNodes(t *testing.T) {
	r := &root{Children: map[string]*leaf{"a": {Name: "a"}}}
	w := &fakeWriter{}
	e := newEngine(t, r, w)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	typeIDs := make(map[types.NodeID]types.Node)
	for _, n := range w.nodes {
		if n.Classification == types.ClassType {
			typeIDs[n.ID] = n
		}
	}
	if len(typeIDs) == 0 {
		t.Fatal("expected at least one type node to be visited and written")
	}

	for _, n := range w.nodes {
		typeNode, ok := typeIDs[n.TypeID]
		if !ok {
			t.Errorf("node %d has type_id %d which was never written as a type node", n.ID, n.TypeID)
			continue
		}
		if typeNode.Classification != types.ClassType {
			t.Errorf("node %d referenced via type_id %d, but that node's classification is %q", n.ID, n.TypeID, typeNode.Classification)
		}
	}

	if len(w.typeRecords) != len(typeIDs) {
		t.Errorf("got %d type records, want %d (one per visited type node)", len(w.typeRecords), len(typeIDs))
	}
	for _, rec := range w.typeRecords {
		typeNode, ok := typeIDs[rec.ID]
		if !ok {
			t.Errorf("type record %d does not correspond to a written type node", rec.ID)
			continue
		}
		if rec.TypeNodeID != typeNode.TypeID {
			t.Errorf("type record %d has TypeNodeID %d, want %d", rec.ID, rec.TypeNodeID, typeNode.TypeID)
		}
	}
}

func TestRunEmitsEdgesForEveryWrittenNode(t *testing.T) {
	r := &root{Children: map[string]*leaf{"only": {Name: "only"}}}
	w := &fakeWriter{}
	e := newEngine(t, r, w)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawChildrenEdge bool
	for _, edge := range w.edges {
		if edge.Label == "Children" {
			sawChildrenEdge = true
		}
	}
	if !sawChildrenEdge {
		t.Error("expected an edge labeled Children from the root node")
	}
}
