// Package heapsource is objex's realization of the "embedded-interpreter
// interface" from spec.md §9: a reflection-based shape adapter over live Go
// values, dispatched on reflect.Kind the way the original dispatches on a
// dynamic-language classification.
//
// Go has no direct analogue of loaded modules or live stack frames, so the
// root set is supplied explicitly by the caller: a RootSeed names a package-
// level value as a module root or a goroutine-local value group as a frame
// root. Everything reachable from those roots is walked the same way
// regardless of how it was reached.
package heapsource

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/kurtbrose/objex/pkg/secrets"
	"github.com/kurtbrose/objex/pkg/types"
)

// RootSeed names one entry point into the object graph.
type RootSeed struct {
	Name string
	// Value must be a pointer, map, slice, chan, or func; anything else
	// cannot be given a stable address-derived identity.
	Value interface{}
	// Classification is ClassModule or ClassFrame. Anything else is
	// rejected by New.
	Classification types.Classification
}

// typeIDBase separates synthetic type-node identities from the address
// space real pointer-derived node identities occupy, so the two numbering
// schemes never collide.
const typeIDBase = uint64(1) << 63

// dictIDBase separates synthetic __dict__ node identities (a user
// instance's non-slot attributes, realized as their own dict-classified
// node per spec.md §4.1) from both the pointer-derived address space and
// the typeIDBase type-node space.
const dictIDBase = uint64(1) << 62

// dictMarkerType is the type reported for every synthesized __dict__ node,
// mirroring the convention that an instance's attribute dict is itself of
// type dict regardless of the instance's own type.
var dictMarkerType = reflect.TypeOf(map[string]interface{}(nil))

// Source is a types.HeapSource over live Go values reachable from a fixed
// set of RootSeeds.
type Source struct {
	seeds     []RootSeed
	opts      types.DumpOptions
	sanitizer *secrets.Sanitizer

	values map[types.NodeID]reflect.Value
	types  map[reflect.Type]types.NodeID
	names  map[types.NodeID]string // seed name, for module/frame nodes
	dicts  map[types.NodeID]reflect.Value
}

// New builds a Source over seeds. opts bounds preview length; sanitizer
// redacts credential-shaped preview text before it is recorded.
func New(seeds []RootSeed, opts types.DumpOptions, sanitizer *secrets.Sanitizer) (*Source, error) {
	s := &Source{
		seeds:     seeds,
		opts:      opts,
		sanitizer: sanitizer,
		values:    make(map[types.NodeID]reflect.Value),
		types:     make(map[reflect.Type]types.NodeID),
		names:     make(map[types.NodeID]string),
		dicts:     make(map[types.NodeID]reflect.Value),
	}
	for _, seed := range seeds {
		if seed.Classification != types.ClassModule && seed.Classification != types.ClassFrame {
			return nil, fmt.Errorf("heapsource: root %q must classify as module or frame, got %s", seed.Name, seed.Classification)
		}
		v := reflect.ValueOf(seed.Value)
		if !identifiable(v) {
			return nil, fmt.Errorf("heapsource: root %q has non-addressable kind %s", seed.Name, v.Kind())
		}
		id := s.identify(v)
		s.values[id] = v
		s.names[id] = seed.Name
	}
	return s, nil
}

func identifiable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return !v.IsNil()
	default:
		return false
	}
}

// Seeds returns the initial worklist: module roots sorted by name, then
// frame roots sorted by name — modules first to match spec.md §4.1's seed
// ordering (modules, then frames, then builtin types; objex has no distinct
// builtin-type seed set, so that third tier is empty).
func (s *Source) Seeds() []types.NodeID {
	var modules, frames []types.NodeID
	for _, seed := range s.seeds {
		id := s.identify(reflect.ValueOf(seed.Value))
		if seed.Classification == types.ClassModule {
			modules = append(modules, id)
		} else {
			frames = append(frames, id)
		}
	}
	sortByName := func(ids []types.NodeID) {
		sort.Slice(ids, func(i, j int) bool { return s.names[ids[i]] < s.names[ids[j]] })
	}
	sortByName(modules)
	sortByName(frames)
	return append(modules, frames...)
}

// identify derives a stable node id from v's address. Pointer/map/slice/
// chan/func kinds carry their own address; everything else reached via an
// addressable struct field or array element is identified by that field's
// address, so aliased substructures still collapse to one node.
func (s *Source) identify(v reflect.Value) types.NodeID {
	v = deref(v)
	switch v.Kind() {
	case reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return types.NodeID(v.Pointer())
	case reflect.Slice:
		if v.Len() == 0 {
			// Empty slices may share a nil/zero data pointer; fall back to
			// the slice header's own address when available.
			if v.CanAddr() {
				return types.NodeID(v.Addr().Pointer())
			}
			return types.NodeID(v.Pointer())
		}
		return types.NodeID(v.Pointer())
	default:
		if v.CanAddr() {
			return types.NodeID(v.Addr().Pointer())
		}
		// Non-addressable value (e.g. a map value or an interface's
		// contents copied out): synthesize an id from its formatted
		// contents. Two equal-but-distinct values collapse to the same
		// node; this is a known limitation of walking by value instead of
		// by reference.
		return types.NodeID(fnv64(fmt.Sprintf("%#v", v.Interface())))
	}
}

// deref unwraps pointer and interface indirections down to the concrete
// value they hold, since a pointer and its target share one node identity.
func deref(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

func fnv64(s string) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

func classify(v reflect.Value) types.Classification {
	switch v.Kind() {
	case reflect.Map:
		return types.ClassDict
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return types.ClassBytes
		}
		return types.ClassList
	case reflect.Array:
		return types.ClassTuple
	case reflect.String:
		return types.ClassString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return types.ClassInt
	case reflect.Float32, reflect.Float64:
		return types.ClassFloat
	case reflect.Func:
		return types.ClassFunction
	case reflect.Struct:
		return types.ClassUserInstance
	default:
		return types.ClassOtherBuiltin
	}
}

// typeNodeID returns (creating if needed) the synthetic type-node id for t.
func (s *Source) typeNodeID(t reflect.Type) types.NodeID {
	if id, ok := s.types[t]; ok {
		return id
	}
	id := types.NodeID(typeIDBase + fnv64(t.String())%typeIDBase)
	s.types[t] = id
	return id
}

// dictNodeID returns the synthetic node id for src's __dict__ substructure,
// registering v (the owning struct's reflect.Value) so Describe and Outbound
// can resolve it later.
func (s *Source) dictNodeID(src types.NodeID, v reflect.Value) types.NodeID {
	id := types.NodeID(dictIDBase + fnv64(fmt.Sprintf("dict:%d", src))%dictIDBase)
	s.dicts[id] = v
	return id
}

// Describe implements types.HeapSource.
func (s *Source) Describe(id types.NodeID) (types.Node, bool) {
	if name, ok := s.typeName(id); ok {
		return types.Node{
			ID:             id,
			TypeID:         id,
			Classification: types.ClassType,
			Preview:        name,
			Len:            -1,
		}, true
	}

	if dv, ok := s.dicts[id]; ok {
		return types.Node{
			ID:             id,
			TypeID:         s.typeNodeID(dictMarkerType),
			Classification: types.ClassDict,
			Len:            int64(dictFieldCount(dv)),
		}, true
	}

	v, ok := s.values[id]
	if !ok {
		return types.Node{}, false
	}
	v = deref(v)
	class := classify(v)
	if seedName, ok := s.names[id]; ok {
		// Roots keep their registered classification (module/frame) even
		// when the underlying value is a struct.
		if c := s.seedClassOf(id); c != "" {
			class = c
		}
		_ = seedName
	}

	node := types.Node{
		ID:             id,
		TypeID:         s.typeNodeID(v.Type()),
		Classification: class,
		Len:            -1,
	}

	switch class {
	case types.ClassDict, types.ClassList, types.ClassTuple, types.ClassSet:
		node.Len = int64(lengthOf(v))
	case types.ClassString:
		node.Len = int64(v.Len())
		node.Preview = s.preview(v.String(), s.opts.MaxStringPreview)
	case types.ClassBytes:
		node.Len = int64(v.Len())
		node.Preview = s.preview(string(v.Bytes()), s.opts.MaxStringPreview)
	case types.ClassUserInstance:
		node.Preview = s.preview(fmt.Sprintf("%+v", v.Interface()), s.opts.MaxInstancePreview)
	}

	node.Size = int64(v.Type().Size())
	return node, true
}

func (s *Source) seedClassOf(id types.NodeID) types.Classification {
	for _, seed := range s.seeds {
		if s.identify(reflect.ValueOf(seed.Value)) == id {
			return seed.Classification
		}
	}
	return ""
}

func (s *Source) typeName(id types.NodeID) (string, bool) {
	for t, tid := range s.types {
		if tid == id {
			return t.String(), true
		}
	}
	return "", false
}

func lengthOf(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return v.Len()
	default:
		return -1
	}
}

func (s *Source) preview(text string, maxLen int) string {
	if s.sanitizer != nil {
		text = s.sanitizer.Sanitize(text)
	}
	return secrets.Truncate(text, maxLen)
}

// TypeOf implements types.HeapSource.
func (s *Source) TypeOf(id types.NodeID) types.NodeID {
	if _, ok := s.typeName(id); ok {
		return id
	}
	if _, ok := s.dicts[id]; ok {
		return s.typeNodeID(dictMarkerType)
	}
	v, ok := s.values[id]
	if !ok {
		return 0
	}
	return s.typeNodeID(deref(v).Type())
}

// track registers v (if identifiable) and returns its node id, so Outbound
// can hand new referents back to the traversal engine's worklist.
func (s *Source) track(v reflect.Value) (types.NodeID, bool) {
	dv := deref(v)
	if !dv.IsValid() {
		return 0, false
	}
	switch dv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Func, reflect.Chan, reflect.Bool:
		id := s.identify(v)
		s.values[id] = v
		return id, true
	default:
		return 0, false
	}
}
