// Package queryserver exposes internal/query's QueryEngine over HTTP using
// gorilla/mux, following the teacher's handler-composition shape: a single
// metrics-then-tracing middleware chain wrapping each route, and handlers
// that nil-check their dependency, build a map[string]interface{} response,
// and encode it as JSON.
package queryserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kurtbrose/objex/pkg/metrics"
	"github.com/kurtbrose/objex/pkg/tracing"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Engine is the subset of types.QueryEngine the HTTP transport calls.
type Engine interface {
	Lookup(id types.NodeID) (types.Node, []types.Edge, bool)
	Outbound(id types.NodeID) []types.Edge
	Inbound(id types.NodeID) []types.Edge
	Random() (types.NodeID, bool)
	PathsToRoots(id types.NodeID, k int) types.PathResult
	Stats() types.Stats
}

// Server serves the query API over HTTP.
type Server struct {
	engine Engine
	tracer oteltrace.Tracer
	logger *logrus.Logger

	router     *mux.Router
	httpServer *http.Server
	startTime  time.Time
}

// New constructs a Server bound to addr. Call Start to begin serving.
func New(addr string, engine Engine, tracer oteltrace.Tracer, logger *logrus.Logger) *Server {
	s := &Server{
		engine:    engine,
		tracer:    tracer,
		logger:    logger,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.registerHandlers(s.router)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting query server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("query server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// metricsMiddleware records per-route response time, the outermost layer of
// the stack so it times the tracing span too.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.ResponseTimeSeconds.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// tracingMiddleware opens a span named after the route pattern for the
// duration of the handler call.
func (s *Server) tracingMiddleware(routeName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracing.Start(r.Context(), s.tracer, routeName)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// registerHandlers wires every route through the metrics-then-tracing
// middleware chain, matching the teacher's innermost-to-outermost
// composition order.
//
// Routes:
//   - GET /health: liveness, always 200 once the server is listening
//   - GET /stats: snapshot-wide node count, byte total, per-classification
//     breakdown
//   - GET /nodes/{id}: node metadata plus its outbound edges
//   - GET /nodes/{id}/outbound: outbound edges only
//   - GET /nodes/{id}/inbound: inbound edges, served from the reverse index
//   - GET /nodes/random: a uniformly sampled non-root node id
//   - GET /nodes/{id}/paths?k=N: up to N shortest retention paths to a root
func (s *Server) registerHandlers(router *mux.Router) {
	wrap := func(name string, h http.HandlerFunc) http.Handler {
		return metricsMiddleware(s.tracingMiddleware(name, h))
	}

	router.Handle("/health", wrap("health", s.healthHandler)).Methods("GET")
	router.Handle("/stats", wrap("stats", s.statsHandler)).Methods("GET")
	router.Handle("/nodes/random", wrap("random", s.randomHandler)).Methods("GET")
	router.Handle("/nodes/{id}", wrap("lookup", s.lookupHandler)).Methods("GET")
	router.Handle("/nodes/{id}/outbound", wrap("outbound", s.outboundHandler)).Methods("GET")
	router.Handle("/nodes/{id}/inbound", wrap("inbound", s.inboundHandler)).Methods("GET")
	router.Handle("/nodes/{id}/paths", wrap("paths", s.pathsHandler)).Methods("GET")
}

// healthHandler reports that the query server is up and holding an open
// snapshot. It never inspects the snapshot itself — a 200 here only means
// the process is alive and routing requests, not that every query will
// succeed against the currently loaded artifact.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

// statsHandler returns the snapshot-wide summary the Analysis Indexer
// computed: total node count, total byte footprint, and a per-classification
// breakdown. Useful for a quick "how big is this heap" sanity check before
// running a more targeted query.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	perClass := make(map[string]int64, len(stats.PerClassification))
	for class, count := range stats.PerClassification {
		perClass[string(class)] = count
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_count":         stats.NodeCount,
		"total_bytes":        stats.TotalBytes,
		"per_classification": perClass,
	})
}

// lookupHandler returns a node's metadata and its outbound edges.
//
// Response codes:
//   - 200 OK: node found
//   - 400 Bad Request: {id} is not a valid node id
//   - 404 Not Found: no node with that id exists in this snapshot
func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	node, edges, found := s.engine.Lookup(id)
	if !found {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":     nodeJSON(node),
		"outbound": edgesJSON(edges),
	})
}

// outboundHandler returns a node's outbound edges alone, in the shape
// adapter's natural field order.
func (s *Server) outboundHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"edges": edgesJSON(s.engine.Outbound(id)),
	})
}

// inboundHandler returns everything that references the given node, served
// from the reverse-edge index the Analysis Indexer built. This is the
// "who's holding onto this object" query.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"edges": edgesJSON(s.engine.Inbound(id)),
	})
}

// randomHandler returns a uniformly sampled non-root node id. Useful for
// spot-checking a snapshot without already knowing an id of interest.
//
// Response codes:
//   - 200 OK: a candidate was found
//   - 404 Not Found: the snapshot has no non-root nodes at all
func (s *Server) randomHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engine.Random()
	if !ok {
		http.Error(w, "snapshot has no non-root nodes", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": uint64(id)})
}

// pathsHandler runs the backward retention-path search and returns up
// to k shortest root-to-target chains.
//
// Query parameters:
//   - k (optional, default 1): maximum number of paths to return
//
// Response codes:
//   - 200 OK: search completed (the termination field distinguishes a real
//     answer from no-root-reachable or budget-exhausted)
//   - 400 Bad Request: {id} or k is not a valid integer
func (s *Server) pathsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(w, r)
	if !ok {
		return
	}
	k := 1
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "k must be a positive integer", http.StatusBadRequest)
			return
		}
		k = parsed
	}

	result := s.engine.PathsToRoots(id, k)
	paths := make([]map[string]interface{}, len(result.Paths))
	for i, p := range result.Paths {
		edges := make([]types.Edge, len(p.Steps))
		for j, step := range p.Steps {
			edges[j] = step.Edge
		}
		paths[i] = map[string]interface{}{
			"root":  uint64(p.Root),
			"steps": edgesJSON(edges),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"termination": string(result.Termination),
		"paths":       paths,
	})
}

func parseNodeID(w http.ResponseWriter, r *http.Request) (types.NodeID, bool) {
	raw := mux.Vars(r)["id"]
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "id must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return types.NodeID(parsed), true
}

func nodeJSON(n types.Node) map[string]interface{} {
	return map[string]interface{}{
		"id":             uint64(n.ID),
		"type_id":        uint64(n.TypeID),
		"size":           n.Size,
		"refcount":       n.RefCount,
		"len":            n.Len,
		"preview":        n.Preview,
		"shape_error":    n.ShapeError,
		"classification": string(n.Classification),
	}
}

func edgesJSON(edges []types.Edge) []map[string]interface{} {
	out := make([]map[string]interface{}, len(edges))
	for i, e := range edges {
		entry := map[string]interface{}{
			"src":   uint64(e.Src),
			"dst":   uint64(e.Dst),
			"label": e.Label,
		}
		if e.LabelKind == types.LabelIndex {
			entry["index"] = e.Index
		}
		if e.HasKeyRef {
			entry["key_node_id"] = uint64(e.KeyNodeID)
		}
		out[i] = entry
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Warn("queryserver: failed to encode JSON response")
	}
}
