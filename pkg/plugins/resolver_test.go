package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func dependsOn(stem string) []Dependency {
	return []Dependency{{Name: DefaultNamePrefix + stem, Version: "1.0"}}
}

func TestForwardCascade(t *testing.T) {
	h := newHarness(t)
	// Register the dependent first so discovery order cannot hide the gate.
	b := h.install("b", &fakeArtifact{deps: dependsOn("a")})
	a := h.install("a", &fakeArtifact{})

	h.manager.AddObserver(ObserverFunc(func(ev TransitionEvent) {
		if ev.Stem == "b" && ev.To == Plain(PhaseResolved) {
			if s, _ := h.manager.State(a); s != Plain(PhaseActive) {
				t.Errorf("b resolved while a was %s", s)
			}
		}
	}))

	h.boot()

	if h.state(a) != Plain(PhaseActive) || h.state(b) != Plain(PhaseActive) {
		t.Fatalf("a = %s, b = %s, want both Active", h.state(a), h.state(b))
	}
	aActive := h.rec.index("a", func(ev TransitionEvent) bool { return ev.To == Plain(PhaseActive) })
	bLeaves := h.rec.index("b", func(ev TransitionEvent) bool { return ev.From.Phase == PhaseDependenciesNotActive })
	if aActive < 0 || bLeaves < 0 || aActive > bLeaves {
		t.Errorf("a active at %d, b left DependenciesNotActive at %d", aActive, bLeaves)
	}
	if got := h.loader.events(); len(got) != 2 || got[0] != "a:activate" || got[1] != "b:activate" {
		t.Errorf("activation order = %v", got)
	}
	if h.resolver.Mode() != ModeNeutral {
		t.Errorf("mode after boot = %s", h.resolver.Mode())
	}
}

func TestFullStartChain(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{})
	h.boot()
	want := []string{
		"Resolving(Loaded)",
		"Resolving(DeclarationLoaded)",
		"Resolving(Compatible)",
		"Resolving(DependenciesNotActive)",
		"Resolved",
		"Starting(ConstructingProxy)",
		"Starting(InjectingContext)",
		"Starting(Registering)",
		"Starting(Activating)",
		"Active",
	}
	if got := h.rec.states("a"); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v\nwant %v", got, want)
	}
}

func TestCompilerMismatchIsUninstalled(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{compiler: "go0.1"})
	h.resolver.ResolveUntilIdle(context.Background())

	if _, ok := h.manager.IDByStem("a"); ok {
		t.Fatal("mismatched plugin should be removed")
	}
	want := []string{
		"Resolving(Loaded)",
		"Resolving(DeclarationLoaded)",
		"Resolving(CompilerMismatch)",
		"Uninstalling(UnloadLibrary)",
		"Uninstalling(DeleteArtifact)",
		"Uninstalled",
	}
	if got := h.rec.states("a"); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v\nwant %v", got, want)
	}
	if h.loader.closes != 1 {
		t.Errorf("library closed %d times", h.loader.closes)
	}
}

func TestAPIMismatchIsUninstalled(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{api: "2.0.0"})
	h.resolver.ResolveUntilIdle(context.Background())
	if h.manager.Len() != 0 {
		t.Fatal("plugin built against another API major should be removed")
	}
	if h.rec.index("a", func(ev TransitionEvent) bool { return ev.To == Plain(PhaseAPIMismatch) }) < 0 {
		t.Error("ApiMismatch never observed")
	}
}

func TestResolveUntilIdleStopsAtCap(t *testing.T) {
	h := newHarness(t)
	h.install("a", &fakeArtifact{})
	r := NewResolver(h.manager, nil, ResolverConfig{MaxIterations: 3}, zerolog.Nop())
	if n := r.ResolveUntilIdle(context.Background()); n != 3 {
		t.Errorf("ResolveUntilIdle() = %d, want 3", n)
	}
	if got := h.rec.states("a"); len(got) != 3 {
		t.Errorf("made %d transitions", len(got))
	}
}

func TestResolveIsIdleWhenNothingToDo(t *testing.T) {
	h := newHarness(t)
	if h.resolver.Resolve(context.Background()) != NoChange {
		t.Error("empty manager should be idle")
	}
	h.install("a", &fakeArtifact{})
	h.boot()
	if n := h.resolver.ResolveUntilIdle(context.Background()); n != 0 {
		t.Errorf("converged resolver made %d more changes", n)
	}
}

func TestGloballyDisabledResolverDoesNothing(t *testing.T) {
	tests := []struct {
		name string
		run  func(r *Resolver, ctx context.Context) int
	}{
		{"boot", func(r *Resolver, ctx context.Context) int { r.Boot(ctx); return 0 }},
		{"resolve until idle", func(r *Resolver, ctx context.Context) int { return r.ResolveUntilIdle(ctx) }},
		{"single resolve", func(r *Resolver, ctx context.Context) int {
			if r.Resolve(ctx) == Changed {
				return 1
			}
			return 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.install("a", &fakeArtifact{})
			r := NewResolver(h.manager, nil, ResolverConfig{Disabled: true}, zerolog.Nop())
			if n := tt.run(r, context.Background()); n != 0 {
				t.Errorf("made %d transitions, want 0", n)
			}
			if got := h.state(id); got != Plain(PhaseInstalled) {
				t.Errorf("state = %s, want Installed", got)
			}
		})
	}
}

func TestNeutralModeDropsResolvedWithMissingDependency(t *testing.T) {
	h := newHarness(t)
	a := h.install("a", &fakeArtifact{})
	b := h.install("b", &fakeArtifact{deps: dependsOn("a")})
	h.boot()

	ctx := context.Background()
	if err := h.manager.Stop(b); err != nil {
		t.Fatal(err)
	}
	h.resolver.ResolveUntilIdle(ctx)
	if got := h.state(b); got != Plain(PhaseResolved) {
		t.Fatalf("b = %s", got)
	}
	if err := h.manager.Stop(a); err != nil {
		t.Fatal(err)
	}
	h.resolver.ResolveUntilIdle(ctx)
	if got := h.state(b); got != Plain(PhaseDependenciesNotActive) {
		t.Errorf("b = %s, want Resolving(DependenciesNotActive)", got)
	}
}

func TestShutdownDrainsEverything(t *testing.T) {
	h := newHarness(t)
	a := h.install("a", &fakeArtifact{})
	b := h.install("b", &fakeArtifact{deps: dependsOn("a")})
	h.boot()

	if !h.resolver.Shutdown(context.Background()) {
		t.Fatal("Shutdown() reported running plugins")
	}
	if h.state(a) != Plain(PhaseResolved) || h.state(b) != Plain(PhaseResolved) {
		t.Errorf("a = %s, b = %s", h.state(a), h.state(b))
	}
	if h.resolver.Mode() != ModeStopping {
		t.Errorf("mode = %s", h.resolver.Mode())
	}
	// In stopping mode whatever gets started is stopped again.
	if err := h.manager.Start(a); err != nil {
		t.Fatal(err)
	}
	h.resolver.ResolveUntilIdle(context.Background())
	if got := h.state(a); got != Plain(PhaseResolved) {
		t.Errorf("a = %s after start in stopping mode", got)
	}
}

func TestShutdownGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.install("stuck", &fakeArtifact{})
	h.boot()
	h.loader.artifacts["stuck"].deactivateErr = errBoom

	r := NewResolver(h.manager, nil, ResolverConfig{ShutdownRetries: 3, ShutdownInterval: time.Millisecond}, zerolog.Nop())
	if r.Shutdown(context.Background()) {
		t.Fatal("Shutdown() should report the stuck plugin")
	}
}

func TestStaticDisabledList(t *testing.T) {
	h := newHarness(t)
	a := h.install("a", &fakeArtifact{})
	b := h.install("b", &fakeArtifact{})
	c := h.install("c", &fakeArtifact{})
	r := NewResolver(h.manager, StaticPolicy{Deny: []string{"b", DefaultNamePrefix + "c"}}, ResolverConfig{}, zerolog.Nop())
	r.Boot(context.Background())

	if h.state(a) != Plain(PhaseActive) {
		t.Errorf("a = %s", h.state(a))
	}
	if h.state(b) != Plain(PhaseDisabled) || h.state(c) != Plain(PhaseDisabled) {
		t.Errorf("b = %s, c = %s, want Disabled", h.state(b), h.state(c))
	}
	if cc, _ := h.manager.Get(c); cc.hasLibrary() {
		t.Error("disabled plugin still holds its library")
	}
}

func TestStaticEnabledList(t *testing.T) {
	h := newHarness(t)
	a := h.install("a", &fakeArtifact{})
	b := h.install("b", &fakeArtifact{})
	r := NewResolver(h.manager, StaticPolicy{Enabled: []string{"a"}, Deny: []string{"a"}}, ResolverConfig{}, zerolog.Nop())
	r.Boot(context.Background())

	if h.state(a) != Plain(PhaseActive) {
		t.Errorf("a = %s, the allow list wins over the deny list", h.state(a))
	}
	if h.state(b) != Plain(PhaseDisabled) {
		t.Errorf("b = %s, want Disabled", h.state(b))
	}
}

func TestDisablingActivePluginStopsItFirst(t *testing.T) {
	h := newHarness(t)
	id := h.install("a", &fakeArtifact{providers: ProviderSet{{Kind: KindComponent, Name: "x"}}})
	h.boot()

	h.policy.set("a", true)
	h.resolver.ResolveUntilIdle(context.Background())

	if got := h.state(id); got != Plain(PhaseDisabled) {
		t.Fatalf("state = %s, want Disabled", got)
	}
	if h.rec.index("a", func(ev TransitionEvent) bool { return ev.To == Plain(PhaseDeactivating) }) < 0 {
		t.Error("plugin was not stopped before being disabled")
	}
	if h.collabs.registries[KindComponent].(*MemoryRegistry).Len() != 0 {
		t.Error("providers of a disabled plugin are still wired")
	}
}

func TestRedeployHotSwapsInPlace(t *testing.T) {
	h := newHarness(t)
	installDir := filepath.Join(h.dir, "installed")
	deployDir := filepath.Join(h.dir, "deploy")
	for _, d := range []string{installDir, deployDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	a := h.install("a", &fakeArtifact{})
	b := h.install("b", &fakeArtifact{deps: dependsOn("a")})
	oldPath, _ := h.manager.Path(a)
	if err := os.WriteFile(oldPath, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.boot()

	if err := os.WriteFile(filepath.Join(deployDir, "a.fake"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Redeploy(a); err != nil {
		t.Fatal(err)
	}
	h.resolver.ResolveUntilIdle(context.Background())

	if got := h.state(a); got != Plain(PhaseActive) {
		t.Fatalf("a = %s after redeploy", got)
	}
	if h.state(b) != Plain(PhaseActive) {
		t.Errorf("dependent was disturbed: %s", h.state(b))
	}
	newPath, _ := h.manager.Path(a)
	if newPath == oldPath || filepath.Dir(newPath) != installDir || ArtifactStem(newPath) != "a" {
		t.Errorf("new path = %s", newPath)
	}
	if data, err := os.ReadFile(newPath); err != nil || string(data) != "v2" {
		t.Errorf("installed artifact = %q, %v", data, err)
	}
	for _, gone := range []string{oldPath, filepath.Join(deployDir, "a.fake")} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("%s should be gone", gone)
		}
	}
	if h.rec.index("a", func(ev TransitionEvent) bool { return ev.To == Refreshing(PhaseConstructingProxy) }) < 0 {
		t.Error("refresh did not skip the dependency gate")
	}
}

func TestRedeployWithoutArtifactUninstalls(t *testing.T) {
	h := newHarness(t)
	a := h.install("a", &fakeArtifact{})
	h.boot()
	if err := h.manager.Redeploy(a); err != nil {
		t.Fatal(err)
	}
	h.resolver.ResolveUntilIdle(context.Background())
	if h.manager.Has("a") {
		t.Error("plugin without a deployable artifact should be gone")
	}
}
