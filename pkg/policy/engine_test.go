package policy

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func candidate(shortName, version string) plugins.Candidate {
	return plugins.Candidate{
		ID:        "id-" + shortName,
		Stem:      shortName,
		Name:      plugins.DefaultNamePrefix + shortName,
		ShortName: shortName,
		Version:   version,
		State:     plugins.Plain(plugins.PhaseResolved),
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got %d", len(policies))
	}
	for _, p := range policies {
		if p.Enabled {
			t.Errorf("Built-in policy %s should start disabled", p.Name)
		}
	}
	if eng.HasEnabled() {
		t.Error("No policy should be enabled")
	}
	if eng.Disabled(context.Background(), candidate("flow", "1.0.0-beta.1")) {
		t.Error("Disabled built-ins must not disable plugins")
	}
}

func TestBuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	for _, name := range []string{BuiltinPrerelease, BuiltinUnversioned} {
		if err := eng.EnablePolicy(name); err != nil {
			t.Fatalf("Failed to enable %s: %v", name, err)
		}
	}

	tests := []struct {
		name     string
		version  string
		disabled bool
		policy   string
	}{
		{"release", "1.2.0", false, ""},
		{"prerelease", "1.2.0-rc.1", true, BuiltinPrerelease},
		{"build metadata only", "1.2.0+build.5", false, ""},
		{"prerelease with build", "1.2.0-alpha+build.5", true, BuiltinPrerelease},
		{"unversioned", "0.0.0", true, BuiltinUnversioned},
		{"unknown version", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := eng.Evaluate(context.Background(), InputFor(candidate("flow", tt.version)))
			if len(d.Errors) > 0 {
				t.Fatalf("Evaluation errors: %v", d.Errors)
			}
			if d.Disabled != tt.disabled {
				t.Fatalf("Disabled = %v, want %v", d.Disabled, tt.disabled)
			}
			if tt.disabled {
				if len(d.Policies) != 1 || d.Policies[0] != tt.policy {
					t.Errorf("Policies = %v, want [%s]", d.Policies, tt.policy)
				}
				if len(d.Reasons) != 1 {
					t.Errorf("Expected one reason, got %v", d.Reasons)
				}
			}
		})
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.ReplacePolicies(ctx, []Policy{{Name: "legacy", Rego: legacyPolicy, Enabled: true}})
	if err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if !eng.Disabled(ctx, candidate("legacy", "1.0.0")) {
		t.Error("legacy should be disabled")
	}
	if eng.Disabled(ctx, candidate("flow", "1.0.0")) {
		t.Error("flow should not be disabled")
	}

	d := eng.Evaluate(ctx, InputFor(candidate("legacy", "1.0.0")))
	if len(d.Reasons) != 1 || d.Reasons[0] != "legacy plugin" {
		t.Errorf("Unexpected reasons: %v", d.Reasons)
	}

	// A second replace drops the first file policy but keeps built-ins.
	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if eng.Disabled(ctx, candidate("legacy", "1.0.0")) {
		t.Error("legacy should no longer be disabled")
	}
	if len(eng.ListPolicies()) != 2 {
		t.Errorf("Expected only built-ins, got %d policies", len(eng.ListPolicies()))
	}
}

func TestReplacePoliciesIsAtomic(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "legacy", Rego: legacyPolicy, Enabled: true}}); err != nil {
		t.Fatal(err)
	}

	err := eng.ReplacePolicies(ctx, []Policy{
		{Name: "ok", Rego: legacyPolicy, Enabled: true},
		{Name: "broken", Rego: "package broken\n\ndisabled if {", Enabled: true},
	})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("Expected compile error for broken policy, got %v", err)
	}
	if _, err := eng.GetPolicy("legacy"); err != nil {
		t.Error("Previous policies should survive a failed replace")
	}
	if _, err := eng.GetPolicy("ok"); err == nil {
		t.Error("Partially compiled set must not be applied")
	}

	err = eng.ReplacePolicies(ctx, []Policy{{Name: BuiltinPrerelease, Rego: legacyPolicy}})
	if err == nil {
		t.Error("Expected error when shadowing a built-in")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	beta := candidate("flow", "2.0.0-beta")

	if err := eng.EnablePolicy(BuiltinPrerelease); err != nil {
		t.Fatal(err)
	}
	if !eng.Disabled(ctx, beta) {
		t.Error("prerelease should disable the beta plugin")
	}

	if err := eng.DisablePolicy(BuiltinPrerelease); err != nil {
		t.Fatal(err)
	}
	p, err := eng.GetPolicy(BuiltinPrerelease)
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("Policy should be disabled")
	}
	if eng.Disabled(ctx, beta) {
		t.Error("Disabled policy should not disable plugins")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestPolicySeesState(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	rego := `package plugind.refresh

import rego.v1

default disabled := false

disabled if {
	input.refreshing
	input.phase == "Deploying"
}
`
	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "refresh", Rego: rego, Enabled: true}}); err != nil {
		t.Fatal(err)
	}

	c := candidate("flow", "1.0.0")
	if eng.Disabled(ctx, c) {
		t.Error("Resolved plugin should not be disabled")
	}
	c.State = plugins.Refreshing(plugins.PhaseDeploying)
	if !eng.Disabled(ctx, c) {
		t.Error("Refreshing deploy should be disabled")
	}
}

func TestComposesWithStaticPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "legacy", Rego: legacyPolicy, Enabled: true}}); err != nil {
		t.Fatal(err)
	}

	policy := plugins.AnyPolicy{plugins.StaticPolicy{Deny: []string{"flow"}}, eng}
	for stem, want := range map[string]bool{"flow": true, "legacy": true, "base": false} {
		if got := policy.Disabled(ctx, candidate(stem, "1.0.0")); got != want {
			t.Errorf("%s: disabled = %v, want %v", stem, got, want)
		}
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, dir+"/legacy.rego", legacyPolicy)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	p, err := eng.GetPolicy("legacy")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Enabled || p.Source == "" {
		t.Errorf("Unexpected policy: %+v", p)
	}
}

func TestEngineWatchAppliesNewPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 4)
	if _, err := eng.Watch(ctx, []string{dir}, func() { reloaded <- struct{}{} }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if eng.Disabled(ctx, candidate("legacy", "1.0.0")) {
		t.Fatal("legacy disabled before any policy was written")
	}

	writeFile(t, filepath.Join(dir, "legacy.rego"), legacyPolicy)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
	if !eng.Disabled(ctx, candidate("legacy", "1.0.0")) {
		t.Error("Expected legacy to be disabled after reload")
	}
	if eng.Disabled(ctx, candidate("flow", "1.0.0")) {
		t.Error("Expected flow to stay enabled")
	}
}

func TestRestrictedPolicySkipsOtherPlugins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hold.rego"), annotatedPolicy)

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	tests := []struct {
		name    string
		plugin  string
		version string
		want    bool
	}{
		{"listed and behind", "flow", "1.0.0", true},
		{"listed and current", "flow", "2.0.0", false},
		{"not listed", "base", "1.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eng.Disabled(ctx, candidate(tt.plugin, tt.version)); got != tt.want {
				t.Errorf("Disabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReplacePoliciesRequiresDisabledRule(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.ReplacePolicies(context.Background(), []Policy{
		{Name: "allow", Rego: "package plugind.allow\n\nallow := true\n", Enabled: true},
	})
	if err == nil || !strings.Contains(err.Error(), "defines no disabled rule") {
		t.Fatalf("Expected missing rule error, got %v", err)
	}
}
