package plugins

import (
	"fmt"
	"strings"
)

// StateCount is the number of containers in one state.
type StateCount struct {
	State State  `json:"state"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// UnsatisfiedReport names a container's first missing dependency.
type UnsatisfiedReport struct {
	Stem            string     `json:"stem"`
	Name            string     `json:"name,omitempty"`
	State           string     `json:"state"`
	Dependency      Dependency `json:"dependency"`
	DependencyState string     `json:"dependency_state"`
	DependencyFound bool       `json:"dependency_found"`
}

// Diagnostics summarizes the container store for operators.
type Diagnostics struct {
	Total       int                 `json:"total"`
	Counts      []StateCount        `json:"counts"`
	Unsatisfied []UnsatisfiedReport `json:"unsatisfied,omitempty"`
	AllStopped  bool                `json:"all_stopped"`
}

// StateCounts returns the non-zero counts in state order.
func (m *Manager) StateCounts() []StateCount {
	counts := m.Counts()
	var out []StateCount
	for _, s := range AllStates() {
		if n := counts[s]; n > 0 {
			out = append(out, StateCount{State: s, Name: s.String(), Count: n})
		}
	}
	return out
}

// CountsSummary renders one "\n  <state>: <count>" line per non-empty state.
func (m *Manager) CountsSummary() string {
	var b strings.Builder
	for _, sc := range m.StateCounts() {
		fmt.Fprintf(&b, "\n  %s: %d", sc.Name, sc.Count)
	}
	return b.String()
}

func (m *Manager) Diagnostics() Diagnostics {
	d := Diagnostics{
		Total:      m.Len(),
		Counts:     m.StateCounts(),
		AllStopped: m.AreAllStopped(),
	}
	for _, c := range m.Containers() {
		unsatisfied := m.UnsatisfiedDependencies(c.id)
		if len(unsatisfied) == 0 {
			continue
		}
		s := c.State()
		if s.Phase == PhaseActive {
			continue
		}
		name, _ := c.Name()
		r := UnsatisfiedReport{
			Stem:       c.stem,
			Name:       name,
			State:      s.String(),
			Dependency: unsatisfied[0],
		}
		if id, ok := m.ByDependency(unsatisfied[0]); ok {
			ds, _ := m.State(id)
			r.DependencyState = ds.String()
			r.DependencyFound = true
		} else {
			r.DependencyState = Plain(PhaseUninstalled).String()
		}
		d.Unsatisfied = append(d.Unsatisfied, r)
	}
	return d
}

// String renders the diagnostics as a multi-line operator report.
func (d Diagnostics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d plugins", d.Total)
	for _, sc := range d.Counts {
		fmt.Fprintf(&b, "\n  %s: %d", sc.Name, sc.Count)
	}
	for _, u := range d.Unsatisfied {
		fmt.Fprintf(&b, "\n  %s (%s) waits for %s [%s]", u.Stem, u.State, u.Dependency, u.DependencyState)
	}
	return b.String()
}
