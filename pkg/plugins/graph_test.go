package plugins

import (
	"strings"
	"testing"
)

func TestGraphLevelsAndMissing(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{})
	h.install("b", &fakeArtifact{deps: dependsOn("a")})
	h.install("c", &fakeArtifact{deps: append(dependsOn("b"), dependsOn("a")...)})
	h.install("d", &fakeArtifact{deps: dependsOn("ghost")})
	h.boot()

	g := h.manager.Graph()
	if len(g.Cycles) != 0 {
		t.Fatalf("unexpected cycles: %v", g.Cycles)
	}
	levels := map[string]int{"a": 0, "d": 0, "b": 1, "c": 2}
	for stem, want := range levels {
		if got := g.Nodes[stem].Level; got != want {
			t.Errorf("level of %s = %d, want %d", stem, got, want)
		}
	}
	if order := strings.Join(g.StartOrder(), ","); order != "a,d,b,c" {
		t.Errorf("StartOrder() = %s", order)
	}
	if len(g.Missing) != 1 || g.Missing[0].From != "d" {
		t.Errorf("Missing = %+v", g.Missing)
	}

	dot := g.ToDOT()
	for _, want := range []string{"digraph Plugins", `"a" -> "b"`, `"b" -> "c"`, "cluster_level_2", "color=red"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}

func TestGraphDetectsCycles(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{deps: dependsOn("b")})
	h.install("b", &fakeArtifact{deps: dependsOn("a")})
	h.install("c", &fakeArtifact{})
	h.boot()

	g := h.manager.Graph()
	if len(g.Cycles) != 1 {
		t.Fatalf("Cycles = %v", g.Cycles)
	}
	if cycle := strings.Join(g.Cycles[0], " -> "); cycle != "a -> b -> a" {
		t.Errorf("cycle = %s", cycle)
	}
	if g.Nodes["a"].Level != -1 || g.Nodes["c"].Level != 0 {
		t.Errorf("levels a=%d c=%d", g.Nodes["a"].Level, g.Nodes["c"].Level)
	}
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{})
	h.install("b", &fakeArtifact{deps: dependsOn("ghost")})
	h.boot()

	d := h.manager.Diagnostics()
	if d.Total != 2 || d.AllStopped {
		t.Errorf("diagnostics = %+v", d)
	}
	if len(d.Unsatisfied) != 1 || d.Unsatisfied[0].Stem != "b" || d.Unsatisfied[0].DependencyFound {
		t.Errorf("Unsatisfied = %+v", d.Unsatisfied)
	}
	summary := h.manager.CountsSummary()
	if !strings.Contains(summary, "\n  Active: 1") || !strings.Contains(summary, "\n  Resolving(DependenciesNotActive): 1") {
		t.Errorf("CountsSummary() = %q", summary)
	}
	if !strings.Contains(d.String(), "b (Resolving(DependenciesNotActive)) waits for "+DefaultNamePrefix+"ghost:1.0") {
		t.Errorf("String() = %s", d.String())
	}
}
