// Package types - interface definitions for pluggable components.
package types

import "context"

// HeapSource is the reflection facade the traversal engine walks. It stands
// in for the "embedded-interpreter interface" described in spec.md §9: a
// tagged-variant-per-classification contract over whatever heap is being
// captured.
type HeapSource interface {
	// Seeds returns the initial worklist: modules (sorted by name), frames
	// (topmost first), then builtin type objects, in that order.
	Seeds() []NodeID

	// Describe returns the node-level metadata for id: classification, size,
	// refcount, container length, and preview. ok is false if id is unknown
	// to the source.
	Describe(id NodeID) (Node, bool)

	// Outbound enumerates id's outbound references in the shape adapter's
	// natural order for its classification. Returns an error if the shape
	// could not be read (recorded by the caller as shape-extraction-failed,
	// never fatal to the walk).
	Outbound(id NodeID) ([]Edge, error)

	// TypeOf returns the type node id for id.
	TypeOf(id NodeID) NodeID
}

// SnapshotWriter is the streaming sink the traversal engine feeds. Write must
// be safe to call repeatedly as the walk discovers nodes; Flush persists any
// buffered records; Close finalizes the header (including the incomplete
// flag, when the walk did not finish cleanly).
type SnapshotWriter interface {
	WriteNode(n Node) error
	WriteEdges(edges []Edge) error
	WriteType(t TypeRecord) error
	InternString(s string) (StringRef, error)
	Flush(ctx context.Context) error
	Close(incomplete bool) error
}

// Indexer builds the derived indices (reverse-edge, type-to-members, root
// bitmap, summary stats) over a raw snapshot artifact.
type Indexer interface {
	BuildIndices(ctx context.Context) error
}

// QueryEngine answers the six read-only operations the external shell
// consumes.
type QueryEngine interface {
	Lookup(id NodeID) (Node, []Edge, bool)
	Outbound(id NodeID) []Edge
	Inbound(id NodeID) []Edge
	Random() (NodeID, bool)
	PathsToRoots(id NodeID, k int) PathResult
	Stats() Stats
}
