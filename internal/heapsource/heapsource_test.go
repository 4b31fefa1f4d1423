package heapsource

import (
	"testing"

	"github.com/kurtbrose/objex/pkg/secrets"
	"github.com/kurtbrose/objex/pkg/types"
)

type leafUser struct {
	Name string
	Age  int
}

type rootModule struct {
	Users   map[string]*leafUser
	Tags    []string
	Manager *leafUser
}

func newTestSource(t *testing.T, root *rootModule) *Source {
	t.Helper()
	s, err := New([]RootSeed{
		{Name: "app", Value: root, Classification: types.ClassModule},
	}, types.DefaultDumpOptions(), secrets.New(secrets.DefaultConfig()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSeedsClassifiesAsModule(t *testing.T) {
	root := &rootModule{}
	s := newTestSource(t, root)

	seeds := s.Seeds()
	if len(seeds) != 1 {
		t.Fatalf("expected 1 seed, got %d", len(seeds))
	}

	node, ok := s.Describe(seeds[0])
	if !ok {
		t.Fatal("Describe failed for seed")
	}
	if node.Classification != types.ClassModule {
		t.Errorf("Classification = %s, want module", node.Classification)
	}
}

func TestOutboundStructEmitsAttrEdges(t *testing.T) {
	manager := &leafUser{Name: "alice", Age: 40}
	root := &rootModule{
		Users:   map[string]*leafUser{"bob": {Name: "bob", Age: 30}},
		Tags:    []string{"a", "b"},
		Manager: manager,
	}
	s := newTestSource(t, root)
	seeds := s.Seeds()

	edges, err := s.Outbound(seeds[0])
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}

	var labels []string
	for _, e := range edges {
		labels = append(labels, e.Label)
	}

	want := map[string]bool{"Users": false, "Tags": false, "Manager": false}
	for _, l := range labels {
		if _, ok := want[l]; ok {
			want[l] = true
		}
	}
	for label, seen := range want {
		if !seen {
			t.Errorf("expected an edge labeled %q, got %v", label, labels)
		}
	}
}

func TestOutboundSliceEmitsIndexEdges(t *testing.T) {
	root := &rootModule{Tags: []string{"x", "y", "z"}}
	s := newTestSource(t, root)
	seeds := s.Seeds()
	edges, _ := s.Outbound(seeds[0])

	var tagsEdge *types.Edge
	for i := range edges {
		if edges[i].Label == "Tags" {
			tagsEdge = &edges[i]
		}
	}
	if tagsEdge == nil {
		t.Fatal("expected a Tags edge")
	}

	sliceEdges, err := s.Outbound(tagsEdge.Dst)
	if err != nil {
		t.Fatalf("Outbound(slice): %v", err)
	}
	if len(sliceEdges) != 3 {
		t.Fatalf("expected 3 slice element edges, got %d", len(sliceEdges))
	}
	for i, e := range sliceEdges {
		if e.LabelKind != types.LabelIndex || e.Index != int64(i) {
			t.Errorf("edge %d: LabelKind=%v Index=%d", i, e.LabelKind, e.Index)
		}
	}
}

func TestOutboundMapEmitsKeyLabeledEdges(t *testing.T) {
	root := &rootModule{Users: map[string]*leafUser{"carol": {Name: "carol", Age: 22}}}
	s := newTestSource(t, root)
	seeds := s.Seeds()
	edges, _ := s.Outbound(seeds[0])

	var usersEdge *types.Edge
	for i := range edges {
		if edges[i].Label == "Users" {
			usersEdge = &edges[i]
		}
	}
	if usersEdge == nil {
		t.Fatal("expected a Users edge")
	}

	mapEdges, err := s.Outbound(usersEdge.Dst)
	if err != nil {
		t.Fatalf("Outbound(map): %v", err)
	}
	if len(mapEdges) != 1 {
		t.Fatalf("expected 1 map entry edge, got %d", len(mapEdges))
	}
	if mapEdges[0].Label != "carol" || mapEdges[0].LabelKind != types.LabelKey {
		t.Errorf("unexpected map edge: %+v", mapEdges[0])
	}
}

func TestAliasedPointersShareOneNode(t *testing.T) {
	shared := &leafUser{Name: "shared", Age: 50}
	root := &rootModule{
		Users:   map[string]*leafUser{"a": shared, "b": shared},
		Manager: shared,
	}
	s := newTestSource(t, root)
	seeds := s.Seeds()
	edges, _ := s.Outbound(seeds[0])

	var managerDst, usersDst types.NodeID
	for _, e := range edges {
		if e.Label == "Manager" {
			managerDst = e.Dst
		}
		if e.Label == "Users" {
			usersDst = e.Dst
		}
	}

	mapEdges, _ := s.Outbound(usersDst)
	for _, e := range mapEdges {
		if e.Dst != managerDst {
			t.Errorf("expected aliased pointer to collapse to one node id, got %d vs %d", e.Dst, managerDst)
		}
	}
}

type slottedUser struct {
	ID   string `objex:"slot"`
	Name string
	Age  int
}

func TestOutboundUserInstanceFoldsFieldsBehindDictEdge(t *testing.T) {
	manager := &leafUser{Name: "alice", Age: 40}
	root := &rootModule{Manager: manager}
	s := newTestSource(t, root)
	seeds := s.Seeds()

	rootEdges, _ := s.Outbound(seeds[0])
	var managerDst types.NodeID
	for _, e := range rootEdges {
		if e.Label == "Manager" {
			managerDst = e.Dst
		}
	}
	if managerDst == 0 {
		t.Fatal("expected a Manager edge from the root")
	}

	managerNode, ok := s.Describe(managerDst)
	if !ok {
		t.Fatal("Describe failed for manager instance")
	}
	if managerNode.Classification != types.ClassUserInstance {
		t.Errorf("Classification = %s, want user-instance", managerNode.Classification)
	}

	instanceEdges, err := s.Outbound(managerDst)
	if err != nil {
		t.Fatalf("Outbound(instance): %v", err)
	}
	if len(instanceEdges) != 1 || instanceEdges[0].Label != "__dict__" {
		t.Fatalf("expected exactly one __dict__ edge off the instance, got %+v", instanceEdges)
	}

	dictID := instanceEdges[0].Dst
	dictNode, ok := s.Describe(dictID)
	if !ok {
		t.Fatal("Describe failed for __dict__ node")
	}
	if dictNode.Classification != types.ClassDict {
		t.Errorf("__dict__ node Classification = %s, want dict", dictNode.Classification)
	}
	if dictNode.Len != 2 {
		t.Errorf("__dict__ node Len = %d, want 2 (Name, Age)", dictNode.Len)
	}

	dictEdges, err := s.Outbound(dictID)
	if err != nil {
		t.Fatalf("Outbound(dict): %v", err)
	}
	labels := map[string]bool{}
	for _, e := range dictEdges {
		labels[e.Label] = true
	}
	if !labels["Name"] || !labels["Age"] {
		t.Errorf("expected __dict__ edges for Name and Age, got %+v", dictEdges)
	}
}

func TestOutboundUserInstanceSlotFieldBypassesDict(t *testing.T) {
	root := &struct {
		User *slottedUser
	}{User: &slottedUser{ID: "u1", Name: "bob", Age: 30}}
	s := newTestSourceGeneric(t, root)
	seeds := s.Seeds()

	rootEdges, _ := s.Outbound(seeds[0])
	var userDst types.NodeID
	for _, e := range rootEdges {
		if e.Label == "User" {
			userDst = e.Dst
		}
	}
	if userDst == 0 {
		t.Fatal("expected a User edge from the root")
	}

	edges, err := s.Outbound(userDst)
	if err != nil {
		t.Fatalf("Outbound(instance): %v", err)
	}

	var sawSlotEdge, sawDictEdge bool
	for _, e := range edges {
		switch e.Label {
		case "ID":
			sawSlotEdge = true
		case "__dict__":
			sawDictEdge = true
		}
	}
	if !sawSlotEdge {
		t.Errorf("expected a direct ID slot edge, got %+v", edges)
	}
	if !sawDictEdge {
		t.Errorf("expected a __dict__ edge for the non-slot fields, got %+v", edges)
	}
}

func newTestSourceGeneric(t *testing.T, root interface{}) *Source {
	t.Helper()
	s, err := New([]RootSeed{
		{Name: "app", Value: root, Classification: types.ClassModule},
	}, types.DefaultDumpOptions(), secrets.New(secrets.DefaultConfig()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDescribeUnknownIDReturnsFalse(t *testing.T) {
	root := &rootModule{}
	s := newTestSource(t, root)
	if _, ok := s.Describe(types.NodeID(999999)); ok {
		t.Error("expected Describe to report unknown id as not-found")
	}
}
