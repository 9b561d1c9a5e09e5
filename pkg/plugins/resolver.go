package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mode controls which containers the resolver starts or stops on its own.
type Mode int

const (
	// ModeNeutral starts nothing automatically.
	ModeNeutral Mode = iota
	// ModeStarting starts every Resolved container.
	ModeStarting
	// ModeStopping stops every Active container.
	ModeStopping
)

func (m Mode) String() string {
	switch m {
	case ModeStarting:
		return "starting"
	case ModeStopping:
		return "stopping"
	default:
		return "neutral"
	}
}

// ResolverConfig bounds the convergence loops.
type ResolverConfig struct {
	// Disabled turns the resolver into a no-op.
	Disabled bool
	// MaxIterations caps one ResolveUntilIdle call.
	MaxIterations int
	// ShutdownRetries caps the drain loop in Shutdown.
	ShutdownRetries int
	// ShutdownInterval is the pause between drain attempts.
	ShutdownInterval time.Duration
}

const (
	DefaultMaxIterations    = 1000
	DefaultShutdownRetries  = 1000
	DefaultShutdownInterval = 10 * time.Millisecond
)

// Resolver drives containers toward a fixed point, one transition per call.
// One goroutine drives it at a time; concurrent callers are serialized.
type Resolver struct {
	manager *Manager
	policy  DisablePolicy
	cfg     ResolverConfig

	drive sync.Mutex

	modeMu sync.RWMutex
	mode   Mode

	steps  []resolveStep
	tracer trace.Tracer
	logger zerolog.Logger
}

type resolveStep struct {
	name string
	run  func(ctx context.Context) Transition
}

func NewResolver(manager *Manager, policy DisablePolicy, cfg ResolverConfig, logger zerolog.Logger) *Resolver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ShutdownRetries <= 0 {
		cfg.ShutdownRetries = DefaultShutdownRetries
	}
	if cfg.ShutdownInterval <= 0 {
		cfg.ShutdownInterval = DefaultShutdownInterval
	}
	r := &Resolver{
		manager: manager,
		policy:  policy,
		cfg:     cfg,
		mode:    ModeNeutral,
		tracer:  otel.Tracer("github.com/reactivegraph/plugind/pkg/plugins"),
		logger:  logger.With().Str("component", "plugin-resolver").Logger(),
	}
	r.steps = r.buildSteps()
	return r
}

func (r *Resolver) Mode() Mode {
	r.modeMu.RLock()
	defer r.modeMu.RUnlock()
	return r.mode
}

func (r *Resolver) SetMode(m Mode) {
	r.modeMu.Lock()
	prev := r.mode
	r.mode = m
	r.modeMu.Unlock()
	if prev != m {
		r.logger.Debug().Str("from", prev.String()).Str("to", m.String()).Msg("Resolver mode changed")
	}
}

// buildSteps returns the transitions in priority order: cleanup before
// forward progress, and in-flight chains before new ones.
func (r *Resolver) buildSteps() []resolveStep {
	m := r.manager
	return []resolveStep{
		{"unload", r.each(PhaseUnloadLibrary, m.UnloadLibrary)},
		{"delete", r.eachPlain(PhaseDeleteArtifact, m.DeleteArtifact)},
		{"remove", r.removeUninstalled},
		{"disable", r.applyDisablePolicy},
		{"mismatch", func(ctx context.Context) Transition {
			if t := r.eachPlain(PhaseCompilerMismatch, m.RouteMismatch)(ctx); t == Changed {
				return t
			}
			return r.eachPlain(PhaseAPIMismatch, m.RouteMismatch)(ctx)
		}},
		{"deploy", r.eachPlain(PhaseDeploying, m.Deploy)},
		{"load", r.each(PhaseInstalled, m.LoadLibrary)},
		{"declare", r.each(PhaseLoaded, m.LoadDeclaration)},
		{"compatibility", r.eachPlain(PhaseDeclarationLoaded, m.CheckCompatibility)},
		{"dependencies", r.each(PhaseCompatible, m.LoadDependencies)},
		{"resolve", r.resolveDependencies},
		{"auto-start", r.autoStart},
		{"construct", r.each(PhaseConstructingProxy, m.ConstructProxy)},
		{"inject", r.each(PhaseInjectingContext, m.InjectContext)},
		{"register", r.each(PhaseRegistering, m.Register)},
		{"activate", r.each(PhaseActivating, m.Activate)},
		{"deactivate", r.each(PhaseDeactivating, m.Deactivate)},
		{"unregister", r.eachPlain(PhaseUnregistering, m.Unregister)},
		{"remove-context", r.each(PhaseRemoveContext, m.RemoveContext)},
		{"remove-proxy", r.each(PhaseRemoveProxy, m.RemoveProxy)},
		{"auto-stop", r.autoStop},
	}
}

// each applies fn to containers in phase p until one changes.
func (r *Resolver) each(p Phase, fn func(context.Context, uuid.UUID) Transition) func(context.Context) Transition {
	return func(ctx context.Context) Transition {
		for _, id := range r.manager.ByPhase(p) {
			if fn(ctx, id) == Changed {
				return Changed
			}
		}
		return NoChange
	}
}

func (r *Resolver) eachPlain(p Phase, fn func(uuid.UUID) Transition) func(context.Context) Transition {
	return r.each(p, func(_ context.Context, id uuid.UUID) Transition { return fn(id) })
}

func (r *Resolver) removeUninstalled(context.Context) Transition {
	for _, id := range r.manager.ByState(Plain(PhaseUninstalled)) {
		if r.manager.Remove(id) {
			return Changed
		}
	}
	return NoChange
}

// applyDisablePolicy parks disabled plugins. A running plugin is stopped
// first and parked once it is back in Resolved.
func (r *Resolver) applyDisablePolicy(ctx context.Context) Transition {
	if r.policy == nil {
		return NoChange
	}
	for _, c := range r.manager.Containers() {
		cand := r.manager.candidate(c)
		if cand.State.Phase == PhaseDisabled || cand.State.Refreshing {
			continue
		}
		switch g := cand.State.Group(); g {
		case GroupInstalled, GroupResolving, GroupResolved, GroupActive:
		default:
			continue
		}
		if !r.policy.Disabled(ctx, cand) {
			continue
		}
		if cand.State.Phase == PhaseActive {
			if c.Stop() == nil {
				r.logger.Info().Str("plugin", c.stem).Msg("Stopping disabled plugin")
				return Changed
			}
			continue
		}
		if c.Disable(ctx) == Changed {
			r.logger.Info().Str("plugin", c.stem).Str("version", cand.Version).Msg("[DISABLED] plugin")
			return Changed
		}
	}
	return NoChange
}

func (r *Resolver) resolveDependencies(context.Context) Transition {
	for _, id := range r.manager.ByPhase(PhaseDependenciesNotActive) {
		if r.manager.ResolveDependencies(id) == Changed {
			return Changed
		}
	}
	if r.Mode() == ModeNeutral {
		for _, id := range r.manager.ByState(Plain(PhaseResolved)) {
			if r.manager.RecheckDependencies(id) == Changed {
				return Changed
			}
		}
	}
	return NoChange
}

func (r *Resolver) autoStart(context.Context) Transition {
	if r.Mode() != ModeStarting {
		return NoChange
	}
	for _, id := range r.manager.ByState(Plain(PhaseResolved)) {
		c, ok := r.manager.Get(id)
		if !ok || c.Info().StartFailed {
			continue
		}
		if c.Start() == nil {
			return Changed
		}
	}
	return NoChange
}

func (r *Resolver) autoStop(context.Context) Transition {
	if r.Mode() != ModeStopping {
		return NoChange
	}
	for _, id := range r.manager.ByState(Plain(PhaseActive)) {
		if r.manager.Stop(id) == nil {
			return Changed
		}
	}
	return NoChange
}

// Resolve performs at most one transition. A disabled resolver never acts.
func (r *Resolver) Resolve(ctx context.Context) Transition {
	if r.cfg.Disabled {
		return NoChange
	}
	r.drive.Lock()
	defer r.drive.Unlock()
	return r.resolve(ctx)
}

func (r *Resolver) resolve(ctx context.Context) Transition {
	for _, s := range r.steps {
		if s.run(ctx) == Changed {
			r.logger.Trace().Str("step", s.name).Msg("Resolver step applied")
			return Changed
		}
	}
	return NoChange
}

// ResolveUntilIdle calls Resolve until nothing changes or the iteration cap
// is hit. It returns the number of transitions made.
func (r *Resolver) ResolveUntilIdle(ctx context.Context) int {
	if r.cfg.Disabled {
		return 0
	}
	r.drive.Lock()
	defer r.drive.Unlock()
	return r.resolveUntilIdle(ctx)
}

func (r *Resolver) resolveUntilIdle(ctx context.Context) int {
	ctx, span := r.tracer.Start(ctx, "resolver.resolve_until_idle",
		trace.WithAttributes(attribute.String("resolver.mode", r.Mode().String())))
	defer span.End()

	start := time.Now()
	changes := 0
	capHit := true
	for changes < r.cfg.MaxIterations {
		if r.resolve(ctx) == NoChange {
			capHit = false
			break
		}
		changes++
	}

	span.SetAttributes(attribute.Int("resolver.iterations", changes), attribute.Bool("resolver.cap_hit", capHit))
	r.manager.instr.ObserveResolve("resolve", changes, capHit, time.Since(start))
	r.manager.instr.ObservePhases(r.manager.Counts())
	if capHit {
		r.logger.Warn().Int("iterations", changes).Msg("Plugin resolver force stopped after reaching the iteration limit")
	} else {
		r.logger.Trace().Int("iterations", changes).Msg("Plugin resolver finished")
	}
	if changes > 0 {
		r.logger.Debug().Msgf("Plugin resolver finished%s", r.manager.CountsSummary())
	}
	return changes
}

// TransitionToFallbackStates unwinds containers stuck part way through starting.
func (r *Resolver) TransitionToFallbackStates(ctx context.Context) {
	r.drive.Lock()
	defer r.drive.Unlock()
	r.fallback(ctx)
}

func (r *Resolver) fallback(ctx context.Context) {
	changed := false
	for _, c := range r.manager.Containers() {
		if c.Fallback() == Changed {
			changed = true
		}
	}
	if changed && !r.cfg.Disabled {
		r.resolveUntilIdle(ctx)
	}
}

// Boot starts every plugin that can be started and reports the ones that
// could not, then switches to neutral mode.
func (r *Resolver) Boot(ctx context.Context) {
	r.SetMode(ModeStarting)
	r.ResolveUntilIdle(ctx)
	r.LogUnsatisfied()
	r.SetMode(ModeNeutral)
}

// LogUnsatisfied logs every container short of Active together with its
// first unsatisfied dependency and that dependency's state.
func (r *Resolver) LogUnsatisfied() {
	m := r.manager
	defer func() { m.instr.ObserveDiagnostics(m.Diagnostics()) }()
	for _, c := range m.Containers() {
		s := c.State()
		if s.Phase == PhaseActive || s.Phase == PhaseDisabled {
			continue
		}
		name, ok := c.Name()
		if !ok {
			name = c.stem
		}
		unsatisfied := m.UnsatisfiedDependencies(c.id)
		if len(unsatisfied) == 0 {
			r.logger.Warn().Str("plugin", ShortName(name, m.cfg.NamePrefix)).Str("state", s.String()).Msg("Plugin is not active")
			continue
		}
		d := unsatisfied[0]
		ev := r.logger.Warn().
			Str("plugin", ShortName(name, m.cfg.NamePrefix)).
			Str("state", s.String()).
			Str("dependency", ShortName(d.Name, m.cfg.NamePrefix)+":"+d.Version)
		if id, ok := m.ByDependency(d); ok {
			ds, _ := m.State(id)
			ev.Str("dependency_state", ds.String()).Msg("Plugin has an unsatisfied dependency which exists but is not active")
		} else {
			ev.Msg("Plugin has an unsatisfied dependency which does not exist")
		}
	}
}

// Shutdown drains every running plugin. It gives up after the retry cap and
// reports whether everything stopped.
func (r *Resolver) Shutdown(ctx context.Context) bool {
	r.SetMode(ModeStopping)
	r.drive.Lock()
	defer r.drive.Unlock()

	ctx, span := r.tracer.Start(ctx, "resolver.shutdown")
	defer span.End()

	r.fallback(ctx)
	r.manager.StopAll()

	start := time.Now()
	attempts := 0
	for ; attempts < r.cfg.ShutdownRetries && !r.manager.AreAllStopped(); attempts++ {
		if !r.cfg.Disabled {
			r.resolveUntilIdle(ctx)
		}
		if r.manager.AreAllStopped() {
			break
		}
		time.Sleep(r.cfg.ShutdownInterval)
	}
	stopped := r.manager.AreAllStopped()
	r.manager.instr.ObserveResolve("shutdown", attempts, !stopped, time.Since(start))
	span.SetAttributes(attribute.Int("resolver.attempts", attempts), attribute.Bool("resolver.stopped", stopped))
	if !stopped {
		r.logger.Warn().Int("attempts", attempts).Msgf("Plugins still running after shutdown drain%s", r.manager.CountsSummary())
	} else {
		r.logger.Info().Msg("All plugins stopped")
	}
	return stopped
}
