package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/semver"
)

// DefaultNamePrefix is stripped from declared names to form short names.
const DefaultNamePrefix = "reactive-graph-plugin-"

// APIVersion is the plugin API version this host implements when the
// manager is not configured with another.
const APIVersion = "1.0.0"

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	Loader         Loader
	Collaborators  *Collaborators
	ContextFactory ContextFactory
	Layout         Layout
	// APIVersion is the plugin API version this host implements.
	APIVersion string
	NamePrefix string

	Observers       []Observer
	Instrumentation Instrumentation
	Now             func() time.Time
}

// Manager owns every container and performs provider wiring. The container
// map is guarded by one RWMutex. Each container guards its own fields, so
// transitions on different plugins never contend.
type Manager struct {
	mu         sync.RWMutex
	containers map[uuid.UUID]*Container
	nextSeq    uint64

	wiringMu sync.Mutex
	wired    map[uuid.UUID][]Provider

	cfg    ManagerConfig
	instr  Instrumentation
	logger zerolog.Logger
}

func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Collaborators == nil {
		cfg.Collaborators = NewCollaborators()
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = APIVersion
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	instr := cfg.Instrumentation
	if instr == nil {
		instr = nopInstrumentation{}
	}
	return &Manager{
		containers: make(map[uuid.UUID]*Container),
		wired:      make(map[uuid.UUID][]Provider),
		cfg:        cfg,
		instr:      instr,
		logger:     logger.With().Str("component", "plugin-manager").Logger(),
	}
}

// AddObserver registers an observer for containers created afterwards and
// for existing ones.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Observers = append(m.cfg.Observers, o)
}

func (m *Manager) NamePrefix() string { return m.cfg.NamePrefix }

func (m *Manager) Layout() Layout { return m.cfg.Layout }

// Create registers a new container for stem unless one already exists, in
// which case it returns uuid.Nil and false.
func (m *Manager) Create(stem, path string) (uuid.UUID, bool) {
	m.mu.Lock()
	for _, c := range m.containers {
		if c.stem == stem {
			m.mu.Unlock()
			m.logger.Debug().Str("plugin", stem).Msg("Plugin with this stem is already registered")
			return uuid.Nil, false
		}
	}
	c := NewContainer(stem, path, m.logger)
	m.nextSeq++
	c.seq = m.nextSeq
	c.onChange = m.notify
	m.containers[c.id] = c
	m.mu.Unlock()

	m.logger.Debug().Str("plugin", stem).Str("path", path).Str("plugin_id", c.id.String()).Msg("Registered plugin container")
	m.dispatch(m.event(c, c.State(), c.State(), true))
	return c.id, true
}

// Remove drops a container from the store.
func (m *Manager) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	c, ok := m.containers[id]
	delete(m.containers, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.wiringMu.Lock()
	delete(m.wired, id)
	m.wiringMu.Unlock()
	m.logger.Debug().Str("plugin", c.stem).Msg("Removed plugin container")
	return true
}

func (m *Manager) notify(c *Container, from, to State) {
	m.dispatch(m.event(c, from, to, false))
}

func (m *Manager) event(c *Container, from, to State, created bool) TransitionEvent {
	ev := TransitionEvent{
		PluginID: c.id.String(),
		Stem:     c.stem,
		Path:     c.Path(),
		From:     from,
		To:       to,
		Created:  created,
		At:       m.cfg.Now(),
	}
	ev.Name, _ = c.Name()
	ev.Version, _ = c.Version()
	if err := c.LastError(); err != nil && to.Phase != PhaseActive {
		ev.Error = err.Error()
	}
	return ev
}

func (m *Manager) dispatch(ev TransitionEvent) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.cfg.Observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		o.OnTransition(ev)
	}
}

// Get returns the container with id.
func (m *Manager) Get(id uuid.UUID) (*Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	return c, ok
}

// Has reports whether a container for stem exists.
func (m *Manager) Has(stem string) bool {
	_, ok := m.IDByStem(stem)
	return ok
}

// IDByStem finds a container by stem or, failing that, by declared name.
func (m *Manager) IDByStem(stem string) (uuid.UUID, bool) {
	for _, c := range m.Containers() {
		if c.stem == stem {
			return c.id, true
		}
	}
	return m.IDByName(stem)
}

// IDByName finds a container by declared name or short name.
func (m *Manager) IDByName(name string) (uuid.UUID, bool) {
	for _, c := range m.Containers() {
		n, ok := c.Name()
		if ok && (n == name || ShortName(n, m.cfg.NamePrefix) == name) {
			return c.id, true
		}
	}
	return uuid.Nil, false
}

// Containers returns every container in registration order.
func (m *Manager) Containers() []*Container {
	m.mu.RLock()
	out := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Manager) IDs() []uuid.UUID {
	cs := m.Containers()
	ids := make([]uuid.UUID, len(cs))
	for i, c := range cs {
		ids[i] = c.id
	}
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}

func (m *Manager) Infos() []Info {
	cs := m.Containers()
	out := make([]Info, len(cs))
	for i, c := range cs {
		out[i] = c.Info()
	}
	return out
}

// Metadata accessors. The second result is false for unknown ids and for
// containers whose declaration is not loaded.

func (m *Manager) Stem(id uuid.UUID) (string, bool) {
	c, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return c.stem, true
}

func (m *Manager) Path(id uuid.UUID) (string, bool) {
	c, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return c.Path(), true
}

func (m *Manager) State(id uuid.UUID) (State, bool) {
	c, ok := m.Get(id)
	if !ok {
		return State{}, false
	}
	return c.State(), true
}

func (m *Manager) Name(id uuid.UUID) (string, bool) {
	return m.field(id, (*Container).Name)
}

func (m *Manager) ShortName(id uuid.UUID) (string, bool) {
	n, ok := m.Name(id)
	return ShortName(n, m.cfg.NamePrefix), ok
}

func (m *Manager) NameVersion(id uuid.UUID) (string, bool) {
	n, ok := m.Name(id)
	if !ok {
		return "", false
	}
	v, _ := m.Version(id)
	return NameVersion(n, v, m.cfg.NamePrefix), true
}

func (m *Manager) Version(id uuid.UUID) (string, bool) {
	return m.field(id, (*Container).Version)
}

func (m *Manager) Description(id uuid.UUID) (string, bool) {
	return m.field(id, (*Container).Description)
}

func (m *Manager) CompilerVersion(id uuid.UUID) (string, bool) {
	return m.field(id, (*Container).CompilerVersion)
}

func (m *Manager) APIVersion(id uuid.UUID) (string, bool) {
	return m.field(id, (*Container).APIVersion)
}

func (m *Manager) field(id uuid.UUID, get func(*Container) (string, bool)) (string, bool) {
	c, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return get(c)
}

// ByState returns the ids of containers in exactly state s.
func (m *Manager) ByState(s State) []uuid.UUID {
	return m.filter(func(st State) bool { return st == s })
}

// ByStates matches either state, typically a phase and its refreshing twin.
func (m *Manager) ByStates(s1, s2 State) []uuid.UUID {
	return m.filter(func(st State) bool { return st == s1 || st == s2 })
}

// ByPhase matches p regardless of the refreshing flag.
func (m *Manager) ByPhase(p Phase) []uuid.UUID {
	return m.filter(func(st State) bool { return st.Phase == p })
}

// ByGroup matches every phase in group g.
func (m *Manager) ByGroup(g Group) []uuid.UUID {
	return m.filter(func(st State) bool { return st.Group() == g })
}

func (m *Manager) filter(match func(State) bool) []uuid.UUID {
	var ids []uuid.UUID
	for _, c := range m.Containers() {
		if match(c.State()) {
			ids = append(ids, c.id)
		}
	}
	return ids
}

func (m *Manager) CountByState(s State) int {
	return len(m.ByState(s))
}

// Counts returns the number of containers per state, omitting zeros.
func (m *Manager) Counts() map[State]int {
	counts := make(map[State]int)
	for _, c := range m.Containers() {
		counts[c.State()]++
	}
	return counts
}

// ByDependency returns the container satisfying dep, preferring an active one.
func (m *Manager) ByDependency(dep Dependency) (uuid.UUID, bool) {
	req, err := semver.ParseRequirement(dep.Version)
	if err != nil {
		m.logger.Warn().Err(err).Str("dependency", dep.String()).Msg("Invalid dependency version requirement")
		return uuid.Nil, false
	}
	var first *Container
	for _, c := range m.Containers() {
		info := c.Info()
		if info.Name != dep.Name {
			continue
		}
		v, err := semver.ParseVersion(info.Version)
		if err != nil || !req.Matches(v) {
			continue
		}
		if info.State.Phase == PhaseActive {
			return c.id, true
		}
		if first == nil {
			first = c
		}
	}
	if first == nil {
		return uuid.Nil, false
	}
	return first.id, true
}

// DependencyState is the state of the container satisfying dep, or
// Uninstalled when nothing matches.
func (m *Manager) DependencyState(dep Dependency) State {
	id, ok := m.ByDependency(dep)
	if !ok {
		return Plain(PhaseUninstalled)
	}
	s, ok := m.State(id)
	if !ok {
		return Plain(PhaseUninstalled)
	}
	return s
}

func (m *Manager) dependencySatisfied(dep Dependency) bool {
	return m.DependencyState(dep).Phase == PhaseActive
}

func (m *Manager) dependenciesSatisfied(deps []Dependency) bool {
	for _, d := range deps {
		if !m.dependencySatisfied(d) {
			return false
		}
	}
	return true
}

// UnsatisfiedDependencies lists the dependencies of id without an active match.
func (m *Manager) UnsatisfiedDependencies(id uuid.UUID) []Dependency {
	c, ok := m.Get(id)
	if !ok {
		return nil
	}
	var out []Dependency
	for _, d := range c.Dependencies() {
		if !m.dependencySatisfied(d) {
			out = append(out, d)
		}
	}
	return out
}

func (m *Manager) HasUnsatisfiedDependencies(id uuid.UUID) bool {
	return len(m.UnsatisfiedDependencies(id)) > 0
}

// Dependents returns the containers with a dependency resolving to id.
func (m *Manager) Dependents(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, c := range m.Containers() {
		if c.id == id {
			continue
		}
		for _, d := range c.Dependencies() {
			if target, ok := m.ByDependency(d); ok && target == id {
				out = append(out, c.id)
				break
			}
		}
	}
	return out
}

// with runs fn on the container or returns NoChange for unknown ids.
func (m *Manager) with(id uuid.UUID, fn func(c *Container) Transition) Transition {
	c, ok := m.Get(id)
	if !ok {
		return NoChange
	}
	return fn(c)
}

// Single-step transitions, delegated to the container.

func (m *Manager) LoadLibrary(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.LoadLibrary(ctx, m.cfg.Loader) })
}

func (m *Manager) LoadDeclaration(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.LoadDeclaration(ctx) })
}

func (m *Manager) CheckCompatibility(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.CheckCompatibility(m.cfg.APIVersion) })
}

func (m *Manager) LoadDependencies(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.LoadDependencies(ctx) })
}

func (m *Manager) ResolveDependencies(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition {
		return c.ResolveDependencies(m.dependenciesSatisfied(c.Dependencies()))
	})
}

func (m *Manager) RecheckDependencies(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition {
		return c.RecheckDependencies(m.dependenciesSatisfied(c.Dependencies()))
	})
}

func (m *Manager) ConstructProxy(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.ConstructProxy(ctx) })
}

func (m *Manager) InjectContext(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.InjectContext(ctx, m.cfg.ContextFactory) })
}

func (m *Manager) Register(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition {
		return c.Register(ctx, func(set ProviderSet) error { return m.wire(c, set) })
	})
}

func (m *Manager) Activate(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.Activate(ctx) })
}

func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.Deactivate(ctx) })
}

func (m *Manager) Unregister(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition {
		return c.Unregister(func() { m.unwire(c) })
	})
}

func (m *Manager) RemoveContext(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.RemoveContext(ctx) })
}

func (m *Manager) RemoveProxy(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.RemoveProxy(ctx) })
}

func (m *Manager) RouteMismatch(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.RouteMismatch() })
}

func (m *Manager) UnloadLibrary(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.UnloadLibrary(ctx) })
}

func (m *Manager) DeleteArtifact(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.DeleteArtifact() })
}

func (m *Manager) Deploy(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.Deploy(m.cfg.Layout, m.cfg.Now()) })
}

func (m *Manager) Disable(ctx context.Context, id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.Disable(ctx) })
}

func (m *Manager) Fallback(id uuid.UUID) Transition {
	return m.with(id, func(c *Container) Transition { return c.Fallback() })
}

// Entry points.

func (m *Manager) Start(id uuid.UUID) error {
	c, ok := m.Get(id)
	if !ok {
		return startError(ErrCodeNotFound, "plugin not found").WithPlugin(id.String(), "")
	}
	return c.Start()
}

func (m *Manager) Stop(id uuid.UUID) error {
	c, ok := m.Get(id)
	if !ok {
		return stopError(ErrCodeNotFound, "plugin not found").WithPlugin(id.String(), "")
	}
	return c.Stop()
}

func (m *Manager) Uninstall(id uuid.UUID) error {
	c, ok := m.Get(id)
	if !ok {
		return uninstallError(ErrCodeNotFound, "plugin not found").WithPlugin(id.String(), "")
	}
	return c.Uninstall()
}

func (m *Manager) Redeploy(id uuid.UUID) error {
	c, ok := m.Get(id)
	if !ok {
		return deployError(ErrCodeNotFound, "plugin not found").WithPlugin(id.String(), "")
	}
	return c.Redeploy()
}

// StopAll requests a stop of every active container.
func (m *Manager) StopAll() {
	for _, id := range m.ByState(Plain(PhaseActive)) {
		if err := m.Stop(id); err != nil {
			m.logger.Debug().Err(err).Msg("Stop request ignored")
		}
	}
}

// CascadeStart starts every Resolved dependent of id whose dependencies are
// now all active, and recurses through dependents that are already active.
// It reports whether anything was started.
func (m *Manager) CascadeStart(id uuid.UUID) bool {
	return m.cascadeStart(id, map[uuid.UUID]bool{})
}

func (m *Manager) cascadeStart(id uuid.UUID, visited map[uuid.UUID]bool) bool {
	if visited[id] {
		return false
	}
	visited[id] = true
	started := false
	for _, dep := range m.Dependents(id) {
		s, _ := m.State(dep)
		switch {
		case s == Plain(PhaseResolved) && !m.HasUnsatisfiedDependencies(dep):
			if err := m.Start(dep); err == nil {
				started = true
			}
		case s.Phase == PhaseActive:
			if m.cascadeStart(dep, visited) {
				started = true
			}
		}
	}
	return started
}

// CascadeStopUnsatisfied stops every active container with an unsatisfied
// dependency. Stopping one can invalidate another, so callers loop until it
// returns false.
func (m *Manager) CascadeStopUnsatisfied() bool {
	stopped := false
	for _, id := range m.ByState(Plain(PhaseActive)) {
		if !m.HasUnsatisfiedDependencies(id) {
			continue
		}
		if err := m.Stop(id); err == nil {
			stem, _ := m.Stem(id)
			m.logger.Info().Str("plugin", stem).Msg("Stopping plugin with unsatisfied dependencies")
			stopped = true
		}
	}
	return stopped
}

// AreAllStopped reports whether no container is starting, active or stopping.
func (m *Manager) AreAllStopped() bool {
	for _, c := range m.Containers() {
		if !c.State().Stopped() {
			return false
		}
	}
	return true
}

// wire adds every provider of set to its registry exactly once per start.
func (m *Manager) wire(c *Container, set ProviderSet) error {
	m.wiringMu.Lock()
	defer m.wiringMu.Unlock()
	if _, ok := m.wired[c.id]; ok {
		return fmt.Errorf("providers of %s are already wired", c.stem)
	}
	done := make([]Provider, 0, len(set))
	m.wired[c.id] = done
	for _, kind := range ProviderKinds() {
		for _, p := range set.ByKind(kind) {
			reg, ok := m.cfg.Collaborators.Registry(kind)
			if !ok {
				m.logger.Debug().Str("plugin", c.stem).Str("kind", string(kind)).Msg("No registry for provider kind")
				continue
			}
			err := reg.Add(c.id.String(), p)
			m.instr.ObserveWiring(kind, "add", err)
			if err != nil {
				return fmt.Errorf("failed to add %s provider %q: %w", kind, p.Name, err)
			}
			done = append(done, p)
			m.wired[c.id] = done
			m.logger.Debug().Str("plugin", c.stem).Str("kind", string(kind)).Str("provider", p.Name).Msg("Registered provider")
		}
	}
	return nil
}

// unwire removes what wire added, in reverse order.
func (m *Manager) unwire(c *Container) {
	m.wiringMu.Lock()
	defer m.wiringMu.Unlock()
	done, ok := m.wired[c.id]
	if !ok {
		return
	}
	delete(m.wired, c.id)
	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		reg, ok := m.cfg.Collaborators.Registry(p.Kind)
		if !ok {
			continue
		}
		err := reg.Remove(c.id.String(), p)
		m.instr.ObserveWiring(p.Kind, "remove", err)
		if err != nil {
			m.logger.Warn().Err(err).Str("plugin", c.stem).Str("provider", p.Name).Msg("Failed to unregister provider")
		}
	}
}

// Wired returns the providers currently wired for id.
func (m *Manager) Wired(id uuid.UUID) []Provider {
	m.wiringMu.Lock()
	defer m.wiringMu.Unlock()
	return append([]Provider(nil), m.wired[id]...)
}
