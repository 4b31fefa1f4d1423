package heapsource

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/kurtbrose/objex/pkg/types"
)

// maxKeyLiteral is the cutoff past which a mapping key's textual form is
// replaced by the <key> sentinel, per spec.md §4.1's edge-label policy.
const maxKeyLiteral = 64

// Outbound implements types.HeapSource, dispatching on the target's
// reflect.Kind the way the original dispatches on its classification.
func (s *Source) Outbound(id types.NodeID) ([]types.Edge, error) {
	if _, ok := s.typeName(id); ok {
		return nil, nil
	}
	if dv, ok := s.dicts[id]; ok {
		return s.outboundDictFields(id, dv)
	}
	v, ok := s.values[id]
	if !ok {
		return nil, fmt.Errorf("heapsource: unknown node %d", id)
	}
	v = deref(v)
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Map:
		return s.outboundMap(id, v)
	case reflect.Slice, reflect.Array:
		return s.outboundSequence(id, v)
	case reflect.Struct:
		if s.seedClassOf(id) != "" {
			// Module/frame roots keep the flattened attribute shape: they
			// have no dynamic __dict__, every field is a declared one.
			return s.outboundStruct(id, v)
		}
		return s.outboundUserInstance(id, v)
	default:
		// Scalars, funcs, chans: no further referents.
		return nil, nil
	}
}

func (s *Source) outboundMap(src types.NodeID, v reflect.Value) ([]types.Edge, error) {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprintf("%v", keys[i].Interface()) < fmt.Sprintf("%v", keys[j].Interface())
	})

	edges := make([]types.Edge, 0, len(keys))
	for _, k := range keys {
		val := v.MapIndex(k)
		dst, ok := s.track(val)
		if !ok {
			continue
		}

		literal := fmt.Sprintf("%v", k.Interface())
		edge := types.Edge{Src: src, Dst: dst, LabelKind: types.LabelKey, Label: literal}

		if len(literal) > maxKeyLiteral {
			edge.Label = "<key>"
		}
		keyTracked := keyIsTracked(k) || len(literal) > maxKeyLiteral
		var keyID types.NodeID
		if keyTracked {
			keyID, keyTracked = s.track(k)
		}
		if keyTracked {
			edge.KeyNodeID = keyID
			edge.HasKeyRef = true
		}
		edges = append(edges, edge)
		if keyTracked {
			edges = append(edges, types.Edge{
				Src: src, Dst: keyID, LabelKind: types.LabelOpaque, Label: "<key>",
			})
		}
	}
	return edges, nil
}

// keyIsTracked reports whether a map key is itself a composite value worth
// representing as its own node, rather than just a literal label.
func keyIsTracked(k reflect.Value) bool {
	switch deref(k).Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct, reflect.Array:
		return true
	default:
		return false
	}
}

func (s *Source) outboundSequence(src types.NodeID, v reflect.Value) ([]types.Edge, error) {
	n := v.Len()
	edges := make([]types.Edge, 0, n)
	for i := 0; i < n; i++ {
		elem := v.Index(i)
		dst, ok := s.track(elem)
		if !ok {
			continue
		}
		edges = append(edges, types.Edge{
			Src: src, Dst: dst, LabelKind: types.LabelIndex, Index: int64(i),
		})
	}
	return edges, nil
}

func (s *Source) outboundStruct(src types.NodeID, v reflect.Value) ([]types.Edge, error) {
	t := v.Type()
	edges := make([]types.Edge, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			// Unexported fields are unreadable without unsafe; objex
			// records the struct's shape from what reflect can see, the
			// same boundary the original draws at __slots__ visibility.
			continue
		}
		fv := v.Field(i)
		dst, ok := s.track(fv)
		if !ok {
			continue
		}
		edges = append(edges, types.Edge{
			Src: src, Dst: dst, LabelKind: types.LabelAttr, Label: field.Name,
		})
	}
	return edges, nil
}

// slotTag is the struct tag a user-instance field uses to declare itself a
// slot attribute, i.e. reached directly from the instance rather than
// folded into its __dict__ substructure. Go has no native __slots__, so
// this is objex's stand-in for the original's declared-slot-name list.
const slotTag = "slot"

func isSlotField(field reflect.StructField) bool {
	return field.Tag.Get("objex") == slotTag
}

// dictFieldCount reports how many of v's exported fields belong in its
// synthesized __dict__ node, for the node's Len.
func dictFieldCount(v reflect.Value) int {
	t := v.Type()
	n := 0
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.IsExported() && !isSlotField(field) {
			n++
		}
	}
	return n
}

// outboundUserInstance implements the user-instance shape from spec.md
// §4.1: fields declared as slots (via the `objex:"slot"` tag) are attribute
// edges straight off the instance node, like any other struct; every other
// exported field lives behind a single synthetic __dict__ edge to its own
// dict-classified node, rather than flattened onto the instance directly.
func (s *Source) outboundUserInstance(src types.NodeID, v reflect.Value) ([]types.Edge, error) {
	t := v.Type()
	edges := make([]types.Edge, 0, t.NumField())
	hasDictFields := false
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if !isSlotField(field) {
			hasDictFields = true
			continue
		}
		fv := v.Field(i)
		dst, ok := s.track(fv)
		if !ok {
			continue
		}
		edges = append(edges, types.Edge{
			Src: src, Dst: dst, LabelKind: types.LabelAttr, Label: field.Name,
		})
	}
	if hasDictFields {
		dictID := s.dictNodeID(src, v)
		edges = append(edges, types.Edge{
			Src: src, Dst: dictID, LabelKind: types.LabelAttr, Label: "__dict__",
		})
	}
	return edges, nil
}

// outboundDictFields emits the edges from a synthesized __dict__ node to the
// non-slot field values it stands in for.
func (s *Source) outboundDictFields(dictID types.NodeID, v reflect.Value) ([]types.Edge, error) {
	t := v.Type()
	edges := make([]types.Edge, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || isSlotField(field) {
			continue
		}
		fv := v.Field(i)
		dst, ok := s.track(fv)
		if !ok {
			continue
		}
		edges = append(edges, types.Edge{
			Src: dictID, Dst: dst, LabelKind: types.LabelAttr, Label: field.Name,
		})
	}
	return edges, nil
}
