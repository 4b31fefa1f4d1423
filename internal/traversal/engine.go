// Package traversal implements the worklist-based reachability walk from
// spec.md §4.1: starting from an explicit seed set, visit every reachable
// object exactly once, recording its metadata and outbound edges into a
// snapshot writer.
package traversal

import (
	"context"
	"time"

	"github.com/kurtbrose/objex/pkg/metrics"
	"github.com/kurtbrose/objex/pkg/objexerr"
	"github.com/kurtbrose/objex/pkg/tracing"
	"github.com/kurtbrose/objex/pkg/types"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Engine walks a types.HeapSource and streams every discovered node and its
// outbound edges into a types.SnapshotWriter.
//
// The walk is single-threaded and runs to completion or aborts fatally, per
// spec.md §5: the heap is assumed frozen for its duration, so there is
// nothing to gain and correctness to lose from parallelizing it.
type Engine struct {
	source types.HeapSource
	writer types.SnapshotWriter
	logger *logrus.Logger
	tracer oteltrace.Tracer
}

// New constructs an Engine over source, streaming results into writer.
func New(source types.HeapSource, writer types.SnapshotWriter, logger *logrus.Logger, tracer oteltrace.Tracer) *Engine {
	return &Engine{source: source, writer: writer, logger: logger, tracer: tracer}
}

// Result summarizes a completed (or aborted) walk.
type Result struct {
	NodesVisited int64
	ShapeErrors  int64
	Duration     time.Duration
}

// Run performs the walk. A non-nil error means the snapshot writer could
// not persist and the caller should treat the artifact as unusable; a
// partial walk due to an I/O failure still calls writer.Close(true) so the
// on-disk header carries the incomplete flag from spec.md §4.2.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	span, ctx := tracing.Start(ctx, e.tracer, "traversal.Run")
	defer span.End()

	start := time.Now()
	visited := make(map[types.NodeID]struct{})
	worklist := e.source.Seeds()

	var result Result
	incomplete := false

	for len(worklist) > 0 {
		id := worklist[0]
		worklist = worklist[1:]

		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		node, ok := e.source.Describe(id)
		if !ok {
			e.logger.WithField("node_id", id).Warn("traversal: root unreadable, skipping")
			continue
		}

		edges, err := e.source.Outbound(id)
		if err != nil {
			node.ShapeError = true
			node.Classification = types.ClassOtherBuiltin
			edges = nil
			result.ShapeErrors++
			metrics.RecordShapeError(string(node.Classification))
			e.logger.WithError(err).WithField("node_id", id).Debug("traversal: shape extraction failed, node recorded without edges")
		}

		if err := e.writer.WriteNode(node); err != nil {
			incomplete = true
			closeErr := e.writer.Close(true)
			span.SetError(err)
			return e.finish(result, start), combineErrors(
				objexerr.SnapshotIOError("WriteNode", "failed to persist node").Wrap(err), closeErr)
		}
		if node.Classification == types.ClassType {
			if err := e.writer.WriteType(types.TypeRecord{
				ID:             node.ID,
				Name:           node.Preview,
				TypeNodeID:     node.TypeID,
				Classification: node.Classification,
			}); err != nil {
				incomplete = true
				closeErr := e.writer.Close(true)
				span.SetError(err)
				return e.finish(result, start), combineErrors(
					objexerr.SnapshotIOError("WriteType", "failed to persist type record").Wrap(err), closeErr)
			}
		}
		if _, seen := visited[node.TypeID]; !seen {
			worklist = append(worklist, node.TypeID)
		}
		if len(edges) > 0 {
			if err := e.writer.WriteEdges(edges); err != nil {
				incomplete = true
				closeErr := e.writer.Close(true)
				span.SetError(err)
				return e.finish(result, start), combineErrors(
					objexerr.SnapshotIOError("WriteEdges", "failed to persist edges").Wrap(err), closeErr)
			}
		}

		result.NodesVisited++
		metrics.RecordNodeVisited(string(node.Classification))
		for _, edge := range edges {
			metrics.RecordEdgeEmitted(labelKindName(edge.LabelKind))
			if _, seen := visited[edge.Dst]; !seen {
				worklist = append(worklist, edge.Dst)
			}
			if edge.HasKeyRef {
				if _, seen := visited[edge.KeyNodeID]; !seen {
					worklist = append(worklist, edge.KeyNodeID)
				}
			}
		}
	}

	if err := e.writer.Flush(ctx); err != nil {
		incomplete = true
	}
	if err := e.writer.Close(incomplete); err != nil {
		return e.finish(result, start), objexerr.SnapshotIOError("Close", "failed to finalize snapshot header").Wrap(err)
	}

	return e.finish(result, start), nil
}

func (e *Engine) finish(result Result, start time.Time) Result {
	result.Duration = time.Since(start)
	metrics.CaptureDuration.Observe(result.Duration.Seconds())
	e.logger.WithFields(logrus.Fields{
		"nodes_visited": result.NodesVisited,
		"shape_errors":  result.ShapeErrors,
		"duration":      result.Duration,
	}).Info("traversal: walk complete")
	return result
}

func labelKindName(k types.EdgeLabelKind) string {
	switch k {
	case types.LabelAttr:
		return "attr"
	case types.LabelKey:
		return "key"
	case types.LabelIndex:
		return "index"
	case types.LabelOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

func combineErrors(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	if primary == nil {
		return secondary
	}
	return primary
}
