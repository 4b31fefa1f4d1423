// Package types defines the core data model shared by every stage of objex:
// capture, persistence, indexing, and query.
//
// The types in this package model the data model described by the snapshot
// format itself:
//   - Node: a single captured object
//   - Type: a named kind, itself represented by a node
//   - Edge: a labeled outbound reference between two nodes
//   - Classification: the closed set of kinds a node can belong to
//
// Identity is a dense 64-bit id assigned during capture (the object's address
// at capture time, reused as primary key) and is unique within one snapshot
// and opaque outside it.
package types

import "time"

// Classification is the closed set of node kinds the traversal engine
// recognizes. Every node has exactly one classification, and every node's
// Type resolves to a node whose own classification is ClassType.
type Classification string

const (
	ClassModule       Classification = "module"
	ClassFrame        Classification = "frame"
	ClassFunction     Classification = "function"
	ClassCode         Classification = "code"
	ClassType         Classification = "type"
	ClassDict         Classification = "dict"
	ClassList         Classification = "list"
	ClassTuple        Classification = "tuple"
	ClassSet          Classification = "set"
	ClassString       Classification = "string"
	ClassBytes        Classification = "bytes"
	ClassInt          Classification = "int"
	ClassFloat        Classification = "float"
	ClassOtherBuiltin Classification = "other-builtin"
	ClassUserInstance Classification = "user-instance"
)

// IsRoot reports whether a node of this classification belongs to the root
// set retention queries are phrased against.
func (c Classification) IsRoot() bool {
	return c == ClassModule || c == ClassFrame
}

// NodeID is a snapshot-local, dense identifier for a captured object.
type NodeID uint64

// StringRef is a 32-bit index into the snapshot's deduplicated string table.
type StringRef uint32

// Node is a single captured object: identity, type, size, refcount, and an
// optional bounded preview.
type Node struct {
	ID       NodeID
	TypeID   NodeID // resolves to a Node whose Classification == ClassType
	Size     int64
	RefCount int64

	// Len is the container length for sized containers (dict/list/tuple/set/
	// string/bytes); -1 when not applicable.
	Len int64

	// Preview is a bounded-length textual representation for string-like and
	// user-instance nodes; empty when not applicable. Already sanitized by
	// the preview sanitizer by the time it reaches the snapshot writer.
	Preview string

	// ShapeError records a non-fatal shape-extraction failure for this node
	// (spec error kind shape-extraction-failed). When true, OutboundEdges is
	// empty and Classification is forced to ClassOtherBuiltin.
	ShapeError bool

	Classification Classification
}

// TypeRecord names a classification instance: a fully-qualified (module
// qualified, where available) type name plus a reference to the node that
// represents the type object itself.
type TypeRecord struct {
	ID             NodeID
	Name           string
	TypeNodeID     NodeID
	Classification Classification
}

// EdgeLabelKind distinguishes how an Edge.Label should be interpreted.
type EdgeLabelKind int

const (
	// LabelAttr is an attribute, slot, or well-known-field name.
	LabelAttr EdgeLabelKind = iota
	// LabelKey is a mapping key's short literal textual representation.
	LabelKey
	// LabelIndex is a sequence position.
	LabelIndex
	// LabelOpaque is a runtime-internal discriminator token (e.g. f_back,
	// <member>, <key>, or a generic-referent fallback token).
	LabelOpaque
)

// Edge is a directed outbound reference from Src to Dst, carrying a label
// describing the relation in Src's shape.
type Edge struct {
	Src       NodeID
	Dst       NodeID
	LabelKind EdgeLabelKind
	Label     string // literal text for LabelAttr/LabelKey/LabelOpaque
	Index     int64  // populated only when LabelKind == LabelIndex

	// KeyNodeID is set in addition to Label when a mapping key is itself a
	// tracked object: the edge-label policy then stores the literal (or the
	// <key> sentinel) in Label and the key's own node id here.
	KeyNodeID NodeID
	HasKeyRef bool
}

// SnapshotHeader is the artifact-level header row recorded by the Snapshot
// Writer and augmented by the Analysis Indexer.
type SnapshotHeader struct {
	CapturedAt      time.Time
	Hostname        string
	TargetRSSBytes  uint64
	FormatVersion   int
	Incomplete      bool
	SchemaVersion   int // 0 = raw snapshot, >0 = analysis artifact, bumped on completion
	IndexedAt       time.Time
}

// Stats is the per-snapshot summary the Analysis Indexer materializes and the
// Query Engine serves back via Stats().
type Stats struct {
	NodeCount         int64
	TotalBytes        int64
	PerClassification map[Classification]int64
}

// DumpOptions configures a single capture pass (spec.md §6 dump_graph
// options).
type DumpOptions struct {
	// IncludeSelfFrames includes the capturing process's own stack frames in
	// the walk. Default false.
	IncludeSelfFrames bool

	// MaxStringPreview and MaxInstancePreview bound the textual preview
	// length for string-like and user-instance nodes respectively.
	MaxStringPreview   int
	MaxInstancePreview int

	// UseGenericReferents toggles the generic referent-enumeration fallback
	// for opaque/unknown-shaped objects instead of skipping them outright.
	UseGenericReferents bool
}

// DefaultDumpOptions returns the spec-mandated defaults.
func DefaultDumpOptions() DumpOptions {
	return DumpOptions{
		IncludeSelfFrames:   false,
		MaxStringPreview:    256,
		MaxInstancePreview:  128,
		UseGenericReferents: true,
	}
}

// PathTermination classifies how a retention-path search ended for a given
// target node.
type PathTermination string

const (
	TerminationModuleReachable PathTermination = "module-reachable"
	TerminationFrameOnly       PathTermination = "frame-only"
	TerminationNoRoot          PathTermination = "no-root-reachable"
	TerminationBudgetExhausted PathTermination = "budget-exhausted"
)

// PathStep is one hop of a retention path, ordered from the root outward.
type PathStep struct {
	Edge Edge
}

// RetentionPath is one root-to-target chain returned by PathsToRoots.
type RetentionPath struct {
	Root  NodeID
	Steps []PathStep
}

// PathResult is the full result of a paths-to-roots query.
type PathResult struct {
	Paths       []RetentionPath
	Termination PathTermination
}
