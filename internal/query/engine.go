// Package query implements types.QueryEngine over an indexed snapshot
// artifact: the six read-only operations the external shell consumes,
// including the retention-path search from spec.md §4.4, a breadth-first
// search run backward from the target only. It
// reads the object/type/reference tables the Snapshot Writer produced and
// the reverse_reference/root_bitmap/stats_* tables the Analysis Indexer
// derived from them.
package query

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/kurtbrose/objex/pkg/circuit"
	"github.com/kurtbrose/objex/pkg/metrics"
	"github.com/kurtbrose/objex/pkg/objexerr"
	"github.com/kurtbrose/objex/pkg/tracing"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

// Config tunes the retention-path search budget.
type Config struct {
	Budget circuit.Config
}

// DefaultConfig returns the spec-mandated default visit budget.
func DefaultConfig() Config {
	return Config{Budget: circuit.DefaultConfig()}
}

// Engine is a types.QueryEngine backed by a read-only connection to an
// indexed snapshot database.
type Engine struct {
	db     *sql.DB
	config Config
	logger *logrus.Logger
	tracer oteltrace.Tracer

	roots     *roaring.Bitmap
	rootClass map[types.NodeID]types.Classification
}

// Open opens the analysis artifact at path for querying. It refuses a
// snapshot whose header.schema_version is 0: that means the Analysis
// Indexer never ran, and the derived tables this engine depends on do not
// exist.
func Open(path string, config Config, logger *logrus.Logger, tracer oteltrace.Tracer) (*Engine, error) {
	if config.Budget.MaxVisits == 0 {
		config.Budget = circuit.DefaultConfig()
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, objexerr.SnapshotIOError("Open", "failed to open snapshot for query").Wrap(err)
	}

	var schemaVersion int
	var incomplete int
	if err := db.QueryRow("SELECT schema_version, incomplete FROM header WHERE id = 0").
		Scan(&schemaVersion, &incomplete); err != nil {
		_ = db.Close()
		return nil, objexerr.SnapshotIOError("Open", "failed to read header").Wrap(err)
	}
	if schemaVersion == 0 {
		_ = db.Close()
		return nil, objexerr.SchemaMismatchError("Open", "snapshot has not been indexed (schema_version=0)")
	}
	if incomplete == 1 {
		logger.Warn("query: opening an artifact captured from an aborted walk (header.incomplete=1)")
	}

	e := &Engine{db: db, config: config, logger: logger, tracer: tracer, roots: roaring.New(), rootClass: make(map[types.NodeID]types.Classification)}
	if err := e.loadRoots(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadRoots() error {
	var blob []byte
	if err := e.db.QueryRow("SELECT bitmap FROM root_bitmap WHERE id = 0").Scan(&blob); err != nil {
		return objexerr.SnapshotIOError("loadRoots", "failed to read root bitmap").Wrap(err)
	}
	if err := e.roots.UnmarshalBinary(blob); err != nil {
		return objexerr.SnapshotIOError("loadRoots", "failed to decode root bitmap").Wrap(err)
	}

	rows, err := e.db.Query("SELECT id, classification FROM object WHERE classification IN (?, ?)",
		string(types.ClassModule), string(types.ClassFrame))
	if err != nil {
		return objexerr.SnapshotIOError("loadRoots", "failed to scan root objects").Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var classification string
		if err := rows.Scan(&id, &classification); err != nil {
			return objexerr.SnapshotIOError("loadRoots", "failed to scan root row").Wrap(err)
		}
		e.rootClass[types.NodeID(id)] = types.Classification(classification)
	}
	return rows.Err()
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) isRoot(id types.NodeID) bool {
	return e.roots.Contains(uint32(id))
}

// Lookup implements types.QueryEngine.
func (e *Engine) Lookup(id types.NodeID) (types.Node, []types.Edge, bool) {
	start := time.Now()
	defer func() { metrics.RecordQuery("lookup", time.Since(start)) }()

	var n types.Node
	var typeID int64
	var lenOrNull sql.NullInt64
	var preview sql.NullString
	var shapeError int
	var classification string
	err := e.db.QueryRow(
		"SELECT id, type_id, size, refcount, len_or_null, preview_or_null, shape_error, classification FROM object WHERE id = ?",
		id).Scan(&n.ID, &typeID, &n.Size, &n.RefCount, &lenOrNull, &preview, &shapeError, &classification)
	if err != nil {
		if err != sql.ErrNoRows {
			e.logger.WithError(err).WithField("node_id", id).Warn("query: Lookup failed")
		}
		return types.Node{}, nil, false
	}
	n.TypeID = types.NodeID(typeID)
	n.Classification = types.Classification(classification)
	n.ShapeError = shapeError != 0
	n.Len = -1
	if lenOrNull.Valid {
		n.Len = lenOrNull.Int64
	}
	if preview.Valid {
		n.Preview = preview.String
	}
	return n, e.Outbound(id), true
}

// Outbound implements types.QueryEngine.
func (e *Engine) Outbound(id types.NodeID) []types.Edge {
	rows, err := e.db.Query(
		`SELECT src_id, dst_id, label_kind, label, idx, key_node_id, has_key_ref
		 FROM reference WHERE src_id = ? ORDER BY idx, label`, id)
	if err != nil {
		e.logger.WithError(err).WithField("node_id", id).Warn("query: Outbound failed")
		return nil
	}
	defer rows.Close()
	return scanEdges(rows, e.logger)
}

// Inbound implements types.QueryEngine, served from the reverse-edge index
// the Analysis Indexer materialized.
func (e *Engine) Inbound(id types.NodeID) []types.Edge {
	rows, err := e.db.Query(
		`SELECT r.src_id, r.dst_id, r.label_kind, r.label, r.idx, r.key_node_id, r.has_key_ref
		 FROM reverse_reference rr
		 JOIN reference r ON r.rowid = rr.ref_rowid
		 WHERE rr.dst_id = ? ORDER BY rr.src_id`, id)
	if err != nil {
		e.logger.WithError(err).WithField("node_id", id).Warn("query: Inbound failed")
		return nil
	}
	defer rows.Close()
	return scanEdges(rows, e.logger)
}

func scanEdges(rows *sql.Rows, logger *logrus.Logger) []types.Edge {
	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		var srcID, dstID int64
		var labelKind int
		var label sql.NullString
		var idx sql.NullInt64
		var keyNodeID sql.NullInt64
		var hasKeyRef int
		if err := rows.Scan(&srcID, &dstID, &labelKind, &label, &idx, &keyNodeID, &hasKeyRef); err != nil {
			logger.WithError(err).Warn("query: failed to scan edge row")
			continue
		}
		e.Src = types.NodeID(srcID)
		e.Dst = types.NodeID(dstID)
		e.LabelKind = types.EdgeLabelKind(labelKind)
		if label.Valid {
			e.Label = label.String
		}
		if idx.Valid {
			e.Index = idx.Int64
		}
		e.HasKeyRef = hasKeyRef != 0
		if keyNodeID.Valid {
			e.KeyNodeID = types.NodeID(keyNodeID.Int64)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Warn("query: edge row iteration failed")
	}
	return edges
}

// Random implements types.QueryEngine: a uniform sample over non-root nodes.
func (e *Engine) Random() (types.NodeID, bool) {
	var id int64
	err := e.db.QueryRow(
		"SELECT id FROM object WHERE classification NOT IN (?, ?) ORDER BY RANDOM() LIMIT 1",
		string(types.ClassModule), string(types.ClassFrame)).Scan(&id)
	if err != nil {
		if err != sql.ErrNoRows {
			e.logger.WithError(err).Warn("query: Random failed")
		}
		return 0, false
	}
	return types.NodeID(id), true
}

// Stats implements types.QueryEngine.
func (e *Engine) Stats() types.Stats {
	var s types.Stats
	s.PerClassification = make(map[types.Classification]int64)

	if err := e.db.QueryRow("SELECT node_count, total_bytes FROM stats_summary WHERE id = 0").
		Scan(&s.NodeCount, &s.TotalBytes); err != nil {
		e.logger.WithError(err).Warn("query: Stats summary read failed")
	}

	rows, err := e.db.Query("SELECT classification, count FROM stats_by_classification")
	if err != nil {
		e.logger.WithError(err).Warn("query: Stats classification read failed")
		return s
	}
	defer rows.Close()
	for rows.Next() {
		var classification string
		var count int64
		if err := rows.Scan(&classification, &count); err != nil {
			e.logger.WithError(err).Warn("query: failed to scan classification stats row")
			continue
		}
		s.PerClassification[types.Classification(classification)] = count
	}
	return s
}

// backEdge is one hop discovered while walking the reverse-edge index from
// the query target toward the root set: edge.Src is one step closer to a
// root than the node it was discovered from.
type backEdge struct {
	edge types.Edge
}

// predecessors returns every direct predecessor of id: nodes holding an
// outbound reference to id.
func (e *Engine) predecessors(id types.NodeID) ([]backEdge, error) {
	rows, err := e.db.Query(
		`SELECT r.src_id, r.dst_id, r.label_kind, r.label, r.idx, r.key_node_id, r.has_key_ref
		 FROM reverse_reference rr
		 JOIN reference r ON r.rowid = rr.ref_rowid
		 WHERE rr.dst_id = ? ORDER BY rr.src_id`, id)
	if err != nil {
		return nil, objexerr.SnapshotIOError("predecessors", "failed to scan reverse-edge index").Wrap(err)
	}
	defer rows.Close()
	edges := scanEdges(rows, e.logger)
	out := make([]backEdge, len(edges))
	for i, edge := range edges {
		out[i] = backEdge{edge: edge}
	}
	return out, nil
}

// PathsToRoots implements types.QueryEngine: a breadth-first search from id
// backward along the reverse-edge index until a root (module or frame) is
// reached, budget-capped by a circuit.Breaker, returning up to k shortest
// paths tied-broken by lexicographic label sequence. No forward search from
// the root set is run.
func (e *Engine) PathsToRoots(id types.NodeID, k int) types.PathResult {
	if k <= 0 {
		k = 1
	}
	ctx := context.Background()
	span, _ := tracing.Start(ctx, e.tracer, "query.PathsToRoots")
	defer span.End()
	start := time.Now()
	defer func() { metrics.RecordQuery("paths_to_roots", time.Since(start)) }()

	if e.isRoot(id) {
		term := e.terminationFor(id)
		metrics.RecordPathTermination(string(term))
		return types.PathResult{Paths: []types.RetentionPath{{Root: id}}, Termination: term}
	}

	breaker := circuit.New(e.config.Budget)
	distance := map[types.NodeID]int{id: 0}
	cameFrom := map[types.NodeID][]backEdge{}
	order := []types.NodeID{id}

	rootsFound := map[types.NodeID]bool{}
	rootDepth := -1
	budgetExhausted := false

	for qi := 0; qi < len(order); qi++ {
		cur := order[qi]
		if rootDepth >= 0 && distance[cur] > rootDepth {
			break
		}
		if !breaker.Allow() {
			budgetExhausted = true
			break
		}
		preds, err := e.predecessors(cur)
		if err != nil {
			e.logger.WithError(err).WithField("node_id", cur).Warn("query: PathsToRoots predecessor lookup failed")
			continue
		}
		for _, p := range preds {
			pred := p.edge.Src
			if _, seen := distance[pred]; !seen {
				distance[pred] = distance[cur] + 1
				order = append(order, pred)
			}
			if distance[pred] == distance[cur]+1 {
				cameFrom[cur] = append(cameFrom[cur], p)
			}
			if e.isRoot(pred) {
				rootsFound[pred] = true
				if rootDepth < 0 {
					rootDepth = distance[pred]
				}
			}
		}
	}

	if len(rootsFound) == 0 {
		term := types.TerminationNoRoot
		if budgetExhausted {
			term = types.TerminationBudgetExhausted
		}
		metrics.RecordPathTermination(string(term))
		return types.PathResult{Termination: term}
	}

	paths := e.enumeratePaths(id, cameFrom, k)
	term := types.TerminationFrameOnly
	for root := range rootsFound {
		if e.rootClass[root] == types.ClassModule {
			term = types.TerminationModuleReachable
			break
		}
	}
	metrics.RecordPathTermination(string(term))
	return types.PathResult{Paths: paths, Termination: term}
}

func (e *Engine) terminationFor(id types.NodeID) types.PathTermination {
	if e.rootClass[id] == types.ClassModule {
		return types.TerminationModuleReachable
	}
	return types.TerminationFrameOnly
}

// enumeratePaths walks cameFrom from target back to each reachable root,
// collecting every root-to-target chain discovered by the BFS and returning
// the k shortest, breaking ties by lexicographic label sequence.
func (e *Engine) enumeratePaths(target types.NodeID, cameFrom map[types.NodeID][]backEdge, k int) []types.RetentionPath {
	var all []types.RetentionPath
	var walk func(node types.NodeID, stepsFromTarget []types.Edge)
	walk = func(node types.NodeID, stepsFromTarget []types.Edge) {
		if e.isRoot(node) {
			steps := make([]types.PathStep, len(stepsFromTarget))
			for i, edge := range stepsFromTarget {
				steps[len(stepsFromTarget)-1-i] = types.PathStep{Edge: edge}
			}
			all = append(all, types.RetentionPath{Root: node, Steps: steps})
			return
		}
		for _, p := range cameFrom[node] {
			walk(p.edge.Src, append(stepsFromTarget, p.edge))
		}
	}
	walk(target, nil)

	sort.Slice(all, func(i, j int) bool {
		if len(all[i].Steps) != len(all[j].Steps) {
			return len(all[i].Steps) < len(all[j].Steps)
		}
		return labelSequence(all[i]) < labelSequence(all[j])
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func labelSequence(p types.RetentionPath) string {
	s := ""
	for _, step := range p.Steps {
		s += step.Edge.Label + "/"
	}
	return s
}

var _ types.QueryEngine = (*Engine)(nil)
