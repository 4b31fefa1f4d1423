package queryserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kurtbrose/objex/internal/indexer"
	"github.com/kurtbrose/objex/internal/query"
	"github.com/kurtbrose/objex/internal/snapshotwriter"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func buildTestEngine(t *testing.T) *query.Engine {
	t.Helper()
	path := t.TempDir() + "/snapshot.db"
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	w, err := snapshotwriter.Open(snapshotwriter.Config{DestinationPath: path, BatchSize: 10}, logger)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	nodes := []types.Node{
		{ID: 1, TypeID: 100, Size: 8, Classification: types.ClassModule},
		{ID: 2, TypeID: 101, Size: 16, Classification: types.ClassUserInstance},
	}
	for _, n := range nodes {
		if err := w.WriteNode(n); err != nil {
			t.Fatalf("WriteNode: %v", err)
		}
	}
	if err := w.WriteEdges([]types.Edge{{Src: 1, Dst: 2, LabelKind: types.LabelAttr, Label: "child"}}); err != nil {
		t.Fatalf("WriteEdges: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	idx, err := indexer.Open(path, logger, tp.Tracer("seed"))
	if err != nil {
		t.Fatalf("Open indexer: %v", err)
	}
	if err := idx.BuildIndices(context.Background()); err != nil {
		t.Fatalf("BuildIndices: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close indexer: %v", err)
	}

	e, err := query.Open(path, query.DefaultConfig(), logger, tp.Tracer("query"))
	if err != nil {
		t.Fatalf("Open query engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(":0", buildTestEngine(t), tp.Tracer("test"), logger)
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestLookupHandlerReturnsNodeAndOutbound(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/1", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	node, ok := body["node"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected node object in response, got %+v", body)
	}
	if node["classification"] != "module" {
		t.Errorf("classification = %v, want module", node["classification"])
	}
}

func TestLookupHandlerNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/999", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLookupHandlerBadID(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/not-a-number", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPathsHandlerReturnsTermination(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/2/paths?k=3", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["termination"] != string(types.TerminationModuleReachable) {
		t.Errorf("termination = %v, want module-reachable", body["termination"])
	}
}

func TestRandomHandlerExcludesRoots(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/random", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id, ok := body["id"].(float64); !ok || id != 2 {
		t.Errorf("id = %v, want 2 (the only non-root node)", body["id"])
	}
}
