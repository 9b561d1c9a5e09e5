package plugins

import (
	"time"
)

// TransitionEvent describes one committed state change.
type TransitionEvent struct {
	PluginID string    `json:"plugin_id"`
	Stem     string    `json:"stem"`
	Path     string    `json:"path"`
	Name     string    `json:"name,omitempty"`
	Version  string    `json:"version,omitempty"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Error    string    `json:"error,omitempty"`
	Created  bool      `json:"created,omitempty"` // set on registration, From == To
	At       time.Time `json:"at"`
}

// Observer is notified after every state change, outside the container lock.
// Implementations must not block for long: they run on the resolver's goroutine.
type Observer interface {
	OnTransition(ev TransitionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev TransitionEvent)

func (f ObserverFunc) OnTransition(ev TransitionEvent) { f(ev) }

// Instrumentation receives resolver and wiring measurements.
type Instrumentation interface {
	ObserveResolve(loop string, iterations int, capHit bool, elapsed time.Duration)
	ObserveWiring(kind ProviderKind, op string, err error)
	ObservePhases(counts map[State]int)
	// ObserveDiagnostics receives the report produced after a boot or a
	// hot deploy settles.
	ObserveDiagnostics(d Diagnostics)
}

type nopInstrumentation struct{}

func (nopInstrumentation) ObserveResolve(string, int, bool, time.Duration) {}
func (nopInstrumentation) ObserveWiring(ProviderKind, string, error) {}
func (nopInstrumentation) ObservePhases(map[State]int) {}
func (nopInstrumentation) ObserveDiagnostics(Diagnostics) {}
