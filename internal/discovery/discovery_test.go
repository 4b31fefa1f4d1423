package discovery

import (
	"testing"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/sirupsen/logrus"
)

func newTestDiscovery(t *testing.T, config Config) *Discovery {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(config, nil, logger)
}

func TestEligibleRequiresLabel(t *testing.T) {
	d := newTestDiscovery(t, Config{RequireLabel: "objex.capture"})

	if d.eligible(dockertypes.Container{Labels: map[string]string{}}) {
		t.Error("expected a container with no labels to be ineligible")
	}
	if d.eligible(dockertypes.Container{Labels: map[string]string{"objex.capture": "false"}}) {
		t.Error("expected objex.capture=false to be ineligible")
	}
	if !d.eligible(dockertypes.Container{Labels: map[string]string{"objex.capture": "true"}}) {
		t.Error("expected objex.capture=true to be eligible")
	}
}

func TestEligibleRequiredAndExcludeLabels(t *testing.T) {
	d := newTestDiscovery(t, Config{
		RequireLabel:   "objex.capture",
		RequiredLabels: map[string]string{"env": "staging"},
		ExcludeLabels:  map[string]string{"objex.skip": "true"},
	})

	base := map[string]string{"objex.capture": "true", "env": "staging"}
	if !d.eligible(dockertypes.Container{Labels: base}) {
		t.Error("expected matching required labels to be eligible")
	}

	wrongEnv := map[string]string{"objex.capture": "true", "env": "prod"}
	if d.eligible(dockertypes.Container{Labels: wrongEnv}) {
		t.Error("expected mismatched required label to be ineligible")
	}

	excluded := map[string]string{"objex.capture": "true", "env": "staging", "objex.skip": "true"}
	if d.eligible(dockertypes.Container{Labels: excluded}) {
		t.Error("expected exclude label to override eligibility")
	}
}

func TestTargetFromContainerStripsLeadingSlashAndReadsEndpoint(t *testing.T) {
	c := dockertypes.Container{
		ID:     "abc123",
		Image:  "myapp:latest",
		State:  "running",
		Names:  []string{"/myapp-1"},
		Labels: map[string]string{"objex.target": "/tmp/objex.sock"},
	}
	target := targetFromContainer(c, "objex.target")

	if target.Name != "myapp-1" {
		t.Errorf("Name = %q, want myapp-1", target.Name)
	}
	if target.Status != "active" {
		t.Errorf("Status = %q, want active", target.Status)
	}
	if target.Endpoint != "/tmp/objex.sock" {
		t.Errorf("Endpoint = %q, want /tmp/objex.sock", target.Endpoint)
	}
}

func TestMergeFiresAddedThenUpdatedCallbacks(t *testing.T) {
	d := newTestDiscovery(t, Config{})

	var added, updated []string
	d.SetCallbacks(
		func(target *Target) { added = append(added, target.ID) },
		func(id string) {},
		func(old, new *Target) { updated = append(updated, new.ID) },
	)

	d.merge(&Target{ID: "c1", Status: "active"})
	if len(added) != 1 || added[0] != "c1" {
		t.Fatalf("added = %v, want [c1]", added)
	}

	d.merge(&Target{ID: "c1", Status: "inactive"})
	if len(updated) != 1 || updated[0] != "c1" {
		t.Fatalf("updated = %v, want [c1]", updated)
	}

	if target, ok := d.TargetByID("c1"); !ok || target.Status != "inactive" {
		t.Errorf("TargetByID after update = %+v, want status inactive", target)
	}
}

func TestMergeUnchangedBumpsCountWithoutUpdateCallback(t *testing.T) {
	d := newTestDiscovery(t, Config{})
	var updates int
	d.SetCallbacks(nil, nil, func(old, new *Target) { updates++ })

	d.merge(&Target{ID: "c1", Status: "active"})
	d.merge(&Target{ID: "c1", Status: "active"})

	if updates != 0 {
		t.Errorf("expected no update callback for an unchanged target, got %d", updates)
	}
	target, _ := d.TargetByID("c1")
	if target.UpdateCount != 1 {
		t.Errorf("UpdateCount = %d, want 1", target.UpdateCount)
	}
}

func TestPruneRemovesUnseenTargetsAndFiresCallback(t *testing.T) {
	d := newTestDiscovery(t, Config{})
	var removed []string
	d.SetCallbacks(nil, func(id string) { removed = append(removed, id) }, nil)

	d.merge(&Target{ID: "c1", Status: "active"})
	d.merge(&Target{ID: "c2", Status: "active"})

	d.prune(map[string]bool{"c1": true})

	if len(removed) != 1 || removed[0] != "c2" {
		t.Fatalf("removed = %v, want [c2]", removed)
	}
	if _, ok := d.TargetByID("c2"); ok {
		t.Error("expected c2 to be gone after prune")
	}
	if _, ok := d.TargetByID("c1"); !ok {
		t.Error("expected c1 to survive prune")
	}
}
