package plugins

import (
	"fmt"
	"strings"
)

// Phase is one lifecycle position of a plugin container.
type Phase int

const (
	PhaseInstalled Phase = iota
	PhaseLoaded
	PhaseDeclarationLoaded
	PhaseCompilerMismatch
	PhaseAPIMismatch
	PhaseCompatible
	PhaseDependenciesNotActive
	PhaseResolved
	PhaseConstructingProxy
	PhaseInjectingContext
	PhaseRegistering
	PhaseActivating
	PhaseActive
	PhaseDeactivating
	PhaseUnregistering
	PhaseRemoveContext
	PhaseRemoveProxy
	PhaseUnloadLibrary
	PhaseDeleteArtifact
	PhaseDeploying
	PhaseUninstalled
	PhaseDisabled
)

// Group is the family a phase belongs to.
type Group string

const (
	GroupInstalled    Group = "Installed"
	GroupResolving    Group = "Resolving"
	GroupResolved     Group = "Resolved"
	GroupStarting     Group = "Starting"
	GroupActive       Group = "Active"
	GroupStopping     Group = "Stopping"
	GroupUninstalling Group = "Uninstalling"
	GroupDeploying    Group = "Deploying"
	GroupUninstalled  Group = "Uninstalled"
	GroupDisabled     Group = "Disabled"
)

var phaseNames = [...]string{
	PhaseInstalled:             "Installed",
	PhaseLoaded:                "Loaded",
	PhaseDeclarationLoaded:     "DeclarationLoaded",
	PhaseCompilerMismatch:      "CompilerMismatch",
	PhaseAPIMismatch:           "ApiMismatch",
	PhaseCompatible:            "Compatible",
	PhaseDependenciesNotActive: "DependenciesNotActive",
	PhaseResolved:              "Resolved",
	PhaseConstructingProxy:     "ConstructingProxy",
	PhaseInjectingContext:      "InjectingContext",
	PhaseRegistering:           "Registering",
	PhaseActivating:            "Activating",
	PhaseActive:                "Active",
	PhaseDeactivating:          "Deactivating",
	PhaseUnregistering:         "Unregistering",
	PhaseRemoveContext:         "RemoveContext",
	PhaseRemoveProxy:           "RemoveProxy",
	PhaseUnloadLibrary:         "UnloadLibrary",
	PhaseDeleteArtifact:        "DeleteArtifact",
	PhaseDeploying:             "Deploying",
	PhaseUninstalled:           "Uninstalled",
	PhaseDisabled:              "Disabled",
}

// AllPhases lists every phase in lifecycle order.
func AllPhases() []Phase {
	phases := make([]Phase, 0, len(phaseNames))
	for p := PhaseInstalled; p <= PhaseDisabled; p++ {
		phases = append(phases, p)
	}
	return phases
}

func (p Phase) Valid() bool {
	return p >= PhaseInstalled && p <= PhaseDisabled
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) Group() Group {
	switch {
	case p == PhaseInstalled:
		return GroupInstalled
	case p >= PhaseLoaded && p <= PhaseDependenciesNotActive:
		return GroupResolving
	case p == PhaseResolved:
		return GroupResolved
	case p >= PhaseConstructingProxy && p <= PhaseActivating:
		return GroupStarting
	case p == PhaseActive:
		return GroupActive
	case p >= PhaseDeactivating && p <= PhaseRemoveProxy:
		return GroupStopping
	case p == PhaseUnloadLibrary || p == PhaseDeleteArtifact:
		return GroupUninstalling
	case p == PhaseDeploying:
		return GroupDeploying
	case p == PhaseUninstalled:
		return GroupUninstalled
	default:
		return GroupDisabled
	}
}

// HoldsLibrary reports whether a container in this phase owns a loaded library.
func (p Phase) HoldsLibrary() bool {
	return p >= PhaseLoaded && p <= PhaseRemoveProxy
}

// HoldsProxy reports whether a container in this phase owns a plugin instance.
func (p Phase) HoldsProxy() bool {
	return p >= PhaseInjectingContext && p <= PhaseRemoveProxy
}

// ParsePhase accepts both the bare phase name and the nested form
// ("Resolving(Loaded)").
func ParsePhase(s string) (Phase, error) {
	name := s
	if open := strings.IndexByte(s, '('); open >= 0 && strings.HasSuffix(s, ")") {
		name = s[open+1 : len(s)-1]
	}
	for p, n := range phaseNames {
		if strings.EqualFold(n, name) {
			return Phase(p), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// State is a phase plus the refresh flag. A refreshing container is being
// hot-swapped and returns to Active once the new artifact is running.
type State struct {
	Phase      Phase `json:"phase"`
	Refreshing bool  `json:"refreshing"`
}

func Plain(p Phase) State { return State{Phase: p} }

func Refreshing(p Phase) State { return State{Phase: p, Refreshing: true} }

// Valid reports whether the pair is a member of the state space.
func (s State) Valid() bool {
	if !s.Phase.Valid() {
		return false
	}
	switch s.Phase {
	case PhaseDisabled, PhaseUninstalled:
		return !s.Refreshing
	case PhaseDeploying:
		return s.Refreshing
	}
	return true
}

func (s State) Group() Group { return s.Phase.Group() }

func (s State) String() string {
	var inner string
	switch g := s.Phase.Group(); g {
	case GroupResolving, GroupStarting, GroupStopping, GroupUninstalling:
		inner = fmt.Sprintf("%s(%s)", g, s.Phase)
	default:
		inner = s.Phase.String()
	}
	if s.Refreshing {
		return "Refreshing(" + inner + ")"
	}
	return inner
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	refreshing := false
	if strings.HasPrefix(s, "Refreshing(") && strings.HasSuffix(s, ")") {
		refreshing = true
		s = s[len("Refreshing(") : len(s)-1]
	}
	p, err := ParsePhase(s)
	if err != nil {
		return State{}, err
	}
	st := State{Phase: p, Refreshing: refreshing}
	if !st.Valid() {
		return State{}, fmt.Errorf("invalid state %q", s)
	}
	return st, nil
}

// AllStates enumerates every valid state.
func AllStates() []State {
	var states []State
	for _, p := range AllPhases() {
		for _, r := range []bool{false, true} {
			if st := (State{Phase: p, Refreshing: r}); st.Valid() {
				states = append(states, st)
			}
		}
	}
	return states
}

// Stopped reports whether the state counts as drained for shutdown.
func (s State) Stopped() bool {
	switch s.Phase.Group() {
	case GroupStarting, GroupActive, GroupStopping:
		return false
	}
	return true
}

// Transition is the outcome of a single-step transition call.
type Transition bool

const (
	NoChange Transition = false
	Changed  Transition = true
)

func (t Transition) String() string {
	if t {
		return "Changed"
	}
	return "NoChange"
}
