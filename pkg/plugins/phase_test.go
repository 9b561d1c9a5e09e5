package plugins

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Plain(PhaseInstalled), "Installed"},
		{Plain(PhaseLoaded), "Resolving(Loaded)"},
		{Plain(PhaseAPIMismatch), "Resolving(ApiMismatch)"},
		{Plain(PhaseResolved), "Resolved"},
		{Plain(PhaseRegistering), "Starting(Registering)"},
		{Plain(PhaseActive), "Active"},
		{Refreshing(PhaseDeactivating), "Refreshing(Stopping(Deactivating))"},
		{Refreshing(PhaseUnloadLibrary), "Refreshing(Uninstalling(UnloadLibrary))"},
		{Refreshing(PhaseDeploying), "Refreshing(Deploying)"},
		{Plain(PhaseDisabled), "Disabled"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseStateRoundTrip(t *testing.T) {
	for _, s := range AllStates() {
		got, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("ParseState(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("ParseState(%q) = %v", s, got)
		}
	}
	if _, err := ParseState("Refreshing(Disabled)"); err == nil {
		t.Error("expected refreshing Disabled to be rejected")
	}
	if _, err := ParseState("Sleeping"); err == nil {
		t.Error("expected unknown phase to be rejected")
	}
}

func TestStateValid(t *testing.T) {
	if Refreshing(PhaseUninstalled).Valid() {
		t.Error("Uninstalled cannot be refreshing")
	}
	if Plain(PhaseDeploying).Valid() {
		t.Error("Deploying is always refreshing")
	}
	if !Refreshing(PhaseActive).Valid() {
		t.Error("refreshing Active is a member of the state space")
	}
	// 22 phases, 20 of them with a refreshing twin, Deploying only refreshing.
	if got := len(AllStates()); got != 41 {
		t.Errorf("len(AllStates()) = %d, want 41", got)
	}
}

func TestPhaseGroups(t *testing.T) {
	groups := map[Phase]Group{
		PhaseInstalled:             GroupInstalled,
		PhaseDependenciesNotActive: GroupResolving,
		PhaseResolved:              GroupResolved,
		PhaseActivating:            GroupStarting,
		PhaseActive:                GroupActive,
		PhaseRemoveProxy:           GroupStopping,
		PhaseDeleteArtifact:        GroupUninstalling,
		PhaseDeploying:             GroupDeploying,
		PhaseUninstalled:           GroupUninstalled,
		PhaseDisabled:              GroupDisabled,
	}
	for p, want := range groups {
		if got := p.Group(); got != want {
			t.Errorf("%s.Group() = %s, want %s", p, got, want)
		}
	}
}

func TestStopped(t *testing.T) {
	running := []State{
		Plain(PhaseConstructingProxy),
		Plain(PhaseActive),
		Plain(PhaseRemoveContext),
		Refreshing(PhaseDeactivating),
		Refreshing(PhaseActivating),
	}
	for _, s := range running {
		if s.Stopped() {
			t.Errorf("%s should not count as stopped", s)
		}
	}
	stopped := []State{
		Plain(PhaseInstalled),
		Plain(PhaseResolved),
		Refreshing(PhaseLoaded),
		Refreshing(PhaseDeploying),
		Plain(PhaseDisabled),
	}
	for _, s := range stopped {
		if !s.Stopped() {
			t.Errorf("%s should count as stopped", s)
		}
	}
}
