package plugins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/semver"
)

// Container owns one plugin artifact and walks it through its lifecycle.
//
// Every transition method requires one source phase. Called in any other
// phase it returns NoChange and touches nothing. Failures never surface as
// errors: they route the container to another phase or leave it where it is,
// and are kept in LastError.
type Container struct {
	id   uuid.UUID
	stem string
	seq  uint64

	mu           sync.Mutex
	path         string
	state        State
	declaration  *Declaration
	library      Library
	plugin       Plugin
	dependencies []Dependency
	startFailed  bool
	lastError    error
	updatedAt    time.Time

	logger   zerolog.Logger
	onChange func(c *Container, from, to State)
}

// NewContainer creates a container in Installed for the artifact at path.
func NewContainer(stem, path string, logger zerolog.Logger) *Container {
	id := uuid.New()
	return &Container{
		id:        id,
		stem:      stem,
		path:      path,
		state:     Plain(PhaseInstalled),
		updatedAt: time.Now(),
		logger:    logger.With().Str("plugin", stem).Str("plugin_id", id.String()).Logger(),
	}
}

func (c *Container) ID() uuid.UUID { return c.id }

func (c *Container) Stem() string { return c.stem }

func (c *Container) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Declaration fields are empty until the declaration is loaded.

func (c *Container) Name() (string, bool) {
	return c.declared(func(d *Declaration) string { return d.Name })
}

func (c *Container) Version() (string, bool) {
	return c.declared(func(d *Declaration) string { return d.Version })
}

func (c *Container) Description() (string, bool) {
	return c.declared(func(d *Declaration) string { return d.Description })
}

func (c *Container) CompilerVersion() (string, bool) {
	return c.declared(func(d *Declaration) string { return d.CompilerVersion })
}

func (c *Container) APIVersion() (string, bool) {
	return c.declared(func(d *Declaration) string { return d.APIVersion })
}

func (c *Container) declared(field func(*Declaration) string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declaration == nil {
		return "", false
	}
	return field(c.declaration), true
}

func (c *Container) Dependencies() []Dependency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Dependency(nil), c.dependencies...)
}

func (c *Container) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Container) hasLibrary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.library != nil
}

func (c *Container) hasProxy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plugin != nil
}

// Info is a point-in-time copy of a container.
type Info struct {
	ID              string       `json:"id"`
	Stem            string       `json:"stem"`
	Path            string       `json:"path"`
	State           State        `json:"state"`
	StateName       string       `json:"state_name"`
	Name            string       `json:"name,omitempty"`
	Version         string       `json:"version,omitempty"`
	Description     string       `json:"description,omitempty"`
	CompilerVersion string       `json:"compiler_version,omitempty"`
	APIVersion      string       `json:"api_version,omitempty"`
	Dependencies    []Dependency `json:"dependencies,omitempty"`
	StartFailed     bool         `json:"start_failed,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (c *Container) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		ID:           c.id.String(),
		Stem:         c.stem,
		Path:         c.path,
		State:        c.state,
		StateName:    c.state.String(),
		Dependencies: append([]Dependency(nil), c.dependencies...),
		StartFailed:  c.startFailed,
		UpdatedAt:    c.updatedAt,
	}
	if d := c.declaration; d != nil {
		info.Name = d.Name
		info.Version = d.Version
		info.Description = d.Description
		info.CompilerVersion = d.CompilerVersion
		info.APIVersion = d.APIVersion
	}
	if c.lastError != nil {
		info.LastError = c.lastError.Error()
	}
	return info
}

// step runs fn under the container lock if the current phase is from, and
// commits the state fn returns.
func (c *Container) step(from Phase, fn func(s State) State) Transition {
	c.mu.Lock()
	prev := c.state
	if prev.Phase != from {
		c.mu.Unlock()
		return NoChange
	}
	next := fn(prev)
	c.state = next
	if next != prev {
		c.updatedAt = time.Now()
	}
	c.mu.Unlock()

	if next == prev {
		return NoChange
	}
	c.changed(prev, next)
	return Changed
}

// setState is used by the entry points, which hold the lock themselves.
func (c *Container) setStateLocked(next State) (State, bool) {
	prev := c.state
	if prev == next {
		return prev, false
	}
	c.state = next
	c.updatedAt = time.Now()
	return prev, true
}

func (c *Container) changed(from, to State) {
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Plugin state changed")
	if c.onChange != nil {
		c.onChange(c, from, to)
	}
}

// fail records a start failure. Caller holds the lock.
func (c *Container) fail(err *Error) {
	err.WithPlugin(c.id.String(), c.stem)
	c.startFailed = true
	c.lastError = err
	c.logger.Warn().Err(err).Str("operation", err.Operation).Msg("Plugin lifecycle hook failed")
}

// LoadLibrary opens the artifact: Installed -> Resolving(Loaded). A load
// failure routes to Uninstalling(UnloadLibrary) and ends the refresh.
func (c *Container) LoadLibrary(ctx context.Context, loader Loader) Transition {
	return c.step(PhaseInstalled, func(s State) State {
		lib, err := loader.Load(ctx, c.path)
		if err != nil {
			c.lastError = lifecycleError(ErrCodeLoadFailed, "load", err).WithPlugin(c.id.String(), c.stem)
			c.logger.Error().Err(err).Str("path", c.path).Msg("Failed to load plugin library")
			return Plain(PhaseUnloadLibrary)
		}
		c.library = lib
		return State{Phase: PhaseLoaded, Refreshing: s.Refreshing}
	})
}

// LoadDeclaration reads the handshake record. A library without one stays in
// Resolving(Loaded).
func (c *Container) LoadDeclaration(ctx context.Context) Transition {
	return c.step(PhaseLoaded, func(s State) State {
		decl, err := c.library.Declaration(ctx)
		if err != nil || decl == nil {
			c.lastError = lifecycleError(ErrCodeLoadFailed, "declaration", err).WithPlugin(c.id.String(), c.stem)
			c.logger.Error().Err(err).Msg("Failed to read plugin declaration")
			return s
		}
		c.declaration = decl
		return State{Phase: PhaseDeclarationLoaded, Refreshing: s.Refreshing}
	})
}

// CheckCompatibility compares the declared tags with the host's. The compiler
// tag must match exactly, the API version must be caret-compatible.
func (c *Container) CheckCompatibility(hostAPIVersion string) Transition {
	return c.step(PhaseDeclarationLoaded, func(s State) State {
		next := State{Refreshing: s.Refreshing}
		switch {
		case c.declaration == nil:
			next.Phase = PhaseLoaded
		case c.declaration.CompilerVersion != c.library.CompilerVersion():
			c.logger.Error().
				Str("plugin_compiler", c.declaration.CompilerVersion).
				Str("host_compiler", c.library.CompilerVersion()).
				Msg("Plugin was built with a different compiler")
			next.Phase = PhaseCompilerMismatch
		case !semver.Compatible(hostAPIVersion, c.declaration.APIVersion):
			c.logger.Error().
				Str("plugin_api", c.declaration.APIVersion).
				Str("host_api", hostAPIVersion).
				Msg("Plugin was built against an incompatible plugin API")
			next.Phase = PhaseAPIMismatch
		default:
			next.Phase = PhaseCompatible
		}
		return next
	})
}

// LoadDependencies stores the declared dependency list.
func (c *Container) LoadDependencies(ctx context.Context) Transition {
	return c.step(PhaseCompatible, func(s State) State {
		var deps []Dependency
		if c.declaration.Dependencies != nil {
			var err error
			deps, err = c.declaration.Dependencies(ctx)
			if err != nil {
				c.lastError = lifecycleError(ErrCodeLoadFailed, "dependencies", err).WithPlugin(c.id.String(), c.stem)
				c.logger.Error().Err(err).Msg("Failed to read plugin dependencies")
				return s
			}
		}
		c.dependencies = deps
		return State{Phase: PhaseDependenciesNotActive, Refreshing: s.Refreshing}
	})
}

// ResolveDependencies advances to Resolved when satisfied is true. satisfied
// is computed by the caller from the current dependency list. A refreshing
// container keeps its place in the graph and goes straight to starting.
func (c *Container) ResolveDependencies(satisfied bool) Transition {
	return c.step(PhaseDependenciesNotActive, func(s State) State {
		if s.Refreshing {
			return Refreshing(PhaseConstructingProxy)
		}
		if !satisfied {
			return s
		}
		return Plain(PhaseResolved)
	})
}

// RecheckDependencies drops a Resolved container back to
// Resolving(DependenciesNotActive) when a dependency went away.
func (c *Container) RecheckDependencies(satisfied bool) Transition {
	return c.step(PhaseResolved, func(s State) State {
		if satisfied || s.Refreshing {
			return s
		}
		return Plain(PhaseDependenciesNotActive)
	})
}

// Start requests activation of a Resolved container.
func (c *Container) Start() error {
	c.mu.Lock()
	s := c.state
	var err *Error
	switch {
	case s.Phase == PhaseActive:
		err = startError(ErrCodeAlreadyActive, "plugin is already active")
	case s.Refreshing, s.Group() == GroupStarting, s.Group() == GroupStopping, s.Group() == GroupUninstalling:
		err = startError(ErrCodeInTransition, "plugin is in transition")
	case s.Phase != PhaseResolved:
		err = startError(ErrCodeNotResolved, "plugin is not resolved")
	}
	if err != nil {
		c.mu.Unlock()
		return err.WithPlugin(c.id.String(), c.stem).WithState(s)
	}
	c.startFailed = false
	c.lastError = nil
	prev, _ := c.setStateLocked(Plain(PhaseConstructingProxy))
	c.mu.Unlock()
	c.changed(prev, Plain(PhaseConstructingProxy))
	return nil
}

// ConstructProxy runs the register entry point. On failure the container
// returns to Resolved.
func (c *Container) ConstructProxy(ctx context.Context) Transition {
	return c.step(PhaseConstructingProxy, func(s State) State {
		if c.declaration == nil || c.declaration.Register == nil {
			c.fail(lifecycleError(ErrCodeHookFailed, "register", errors.New("declaration has no register entry point")))
			return Plain(PhaseResolved)
		}
		p, err := c.declaration.Register(ctx)
		if err == nil && p == nil {
			err = errors.New("register returned no plugin")
		}
		if err != nil {
			c.fail(lifecycleError(ErrCodeHookFailed, "register", err))
			return Plain(PhaseResolved)
		}
		if lc, ok := p.(Lifecycle); ok {
			if err := lc.Init(ctx); err != nil {
				c.fail(lifecycleError(ErrCodeHookFailed, "init", err))
				return Plain(PhaseResolved)
			}
		}
		c.plugin = p
		return State{Phase: PhaseInjectingContext, Refreshing: s.Refreshing}
	})
}

// InjectContext hands the plugin its host facade.
func (c *Container) InjectContext(ctx context.Context, factory ContextFactory) Transition {
	return c.step(PhaseInjectingContext, func(s State) State {
		var pc Context
		if factory != nil {
			pc = factory(c)
		}
		if err := c.plugin.SetContext(ctx, pc); err != nil {
			c.fail(lifecycleError(ErrCodeHookFailed, "set_context", err))
			return Plain(PhaseRemoveProxy)
		}
		return State{Phase: PhaseRegistering, Refreshing: s.Refreshing}
	})
}

// Register collects the plugin's providers and passes them to wire. Providers
// wired before a failure are removed again by Unregister.
func (c *Container) Register(ctx context.Context, wire func(ProviderSet) error) Transition {
	return c.step(PhaseRegistering, func(s State) State {
		set, err := c.plugin.Providers(ctx)
		if err == nil {
			err = set.Validate()
		}
		if err != nil {
			c.fail(lifecycleError(ErrCodeHookFailed, "providers", err))
			return Plain(PhaseUnregistering)
		}
		if err := wire(set); err != nil {
			c.fail(lifecycleError(ErrCodeWiringFailed, "register", err))
			return Plain(PhaseUnregistering)
		}
		return State{Phase: PhaseActivating, Refreshing: s.Refreshing}
	})
}

// Activate runs the activation hook. A refreshing container ends its refresh
// here.
func (c *Container) Activate(ctx context.Context) Transition {
	return c.step(PhaseActivating, func(s State) State {
		if lc, ok := c.plugin.(Lifecycle); ok {
			if err := lc.PostInit(ctx); err != nil {
				c.fail(lifecycleError(ErrCodeHookFailed, "post_init", err))
				return Plain(PhaseUnregistering)
			}
		}
		if err := c.plugin.Activate(ctx); err != nil {
			c.fail(lifecycleError(ErrCodeHookFailed, "activate", err))
			return Plain(PhaseUnregistering)
		}
		c.startFailed = false
		return Plain(PhaseActive)
	})
}

// Stop requests deactivation of an Active container.
func (c *Container) Stop() error {
	c.mu.Lock()
	s := c.state
	var err *Error
	switch {
	case s.Refreshing, s.Group() == GroupStarting, s.Group() == GroupStopping, s.Group() == GroupUninstalling:
		err = stopError(ErrCodeInTransition, "plugin is in transition")
	case s.Phase == PhaseInstalled || s.Group() == GroupResolving:
		err = stopError(ErrCodeNotResolved, "plugin is not resolved")
	case s.Phase != PhaseActive:
		err = stopError(ErrCodeNotActive, "plugin is not active")
	}
	if err != nil {
		c.mu.Unlock()
		return err.WithPlugin(c.id.String(), c.stem).WithState(s)
	}
	prev, _ := c.setStateLocked(Plain(PhaseDeactivating))
	c.mu.Unlock()
	c.changed(prev, Plain(PhaseDeactivating))
	return nil
}

// Deactivate runs the deactivation hook. If it fails the container stays in
// Stopping(Deactivating) and is retried.
func (c *Container) Deactivate(ctx context.Context) Transition {
	return c.step(PhaseDeactivating, func(s State) State {
		if err := c.plugin.Deactivate(ctx); err != nil {
			c.lastError = lifecycleError(ErrCodeHookFailed, "deactivate", err).WithPlugin(c.id.String(), c.stem)
			c.logger.Warn().Err(err).Msg("Plugin deactivation failed")
			return s
		}
		if lc, ok := c.plugin.(Lifecycle); ok {
			if err := lc.PreShutdown(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Plugin pre-shutdown hook failed")
			}
		}
		return State{Phase: PhaseUnregistering, Refreshing: s.Refreshing}
	})
}

// Unregister removes everything Register wired.
func (c *Container) Unregister(unwire func()) Transition {
	return c.step(PhaseUnregistering, func(s State) State {
		unwire()
		return State{Phase: PhaseRemoveContext, Refreshing: s.Refreshing}
	})
}

func (c *Container) RemoveContext(ctx context.Context) Transition {
	return c.step(PhaseRemoveContext, func(s State) State {
		if err := c.plugin.RemoveContext(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Plugin failed to release its context")
		}
		return State{Phase: PhaseRemoveProxy, Refreshing: s.Refreshing}
	})
}

// RemoveProxy drops the plugin instance. A refreshing container continues
// with unloading its library.
func (c *Container) RemoveProxy(ctx context.Context) Transition {
	return c.step(PhaseRemoveProxy, func(s State) State {
		if lc, ok := c.plugin.(Lifecycle); ok {
			if err := lc.Shutdown(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Plugin shutdown hook failed")
			}
		}
		c.plugin = nil
		if s.Refreshing {
			return Refreshing(PhaseUnloadLibrary)
		}
		return Plain(PhaseResolved)
	})
}

// Uninstall requests removal of a container that is not running.
func (c *Container) Uninstall() error {
	c.mu.Lock()
	s := c.state
	var err *Error
	switch {
	case s.Refreshing, s.Group() == GroupStarting, s.Group() == GroupStopping, s.Group() == GroupUninstalling:
		err = uninstallError(ErrCodeInTransition, "plugin is in transition")
	case s.Phase == PhaseUninstalled:
		err = uninstallError(ErrCodeAlreadyUninstalled, "plugin is already uninstalled")
	case s.Phase == PhaseDisabled:
		err = uninstallError(ErrCodeDisabled, "plugin is disabled")
	case s.Phase == PhaseActive:
		err = uninstallError(ErrCodeNotStopped, "plugin must be stopped first")
	}
	if err != nil {
		c.mu.Unlock()
		return err.WithPlugin(c.id.String(), c.stem).WithState(s)
	}
	prev, _ := c.setStateLocked(Plain(PhaseUnloadLibrary))
	c.mu.Unlock()
	c.changed(prev, Plain(PhaseUnloadLibrary))
	return nil
}

// Redeploy starts a hot swap. An Active container is stopped first, any other
// settled container unloads directly.
func (c *Container) Redeploy() error {
	c.mu.Lock()
	s := c.state
	var next State
	var err *Error
	switch {
	case s.Refreshing && s.Group() == GroupResolving:
		next = Refreshing(PhaseUnloadLibrary)
	case s.Refreshing, s.Group() == GroupStarting, s.Group() == GroupStopping, s.Group() == GroupUninstalling:
		err = deployError(ErrCodeInTransition, "plugin is in transition")
	case s.Phase == PhaseUninstalled:
		err = deployError(ErrCodeUninstalled, "plugin is uninstalled")
	case s.Phase == PhaseActive:
		next = Refreshing(PhaseDeactivating)
	default:
		next = Refreshing(PhaseUnloadLibrary)
	}
	if err != nil {
		c.mu.Unlock()
		return err.WithPlugin(c.id.String(), c.stem).WithState(s)
	}
	c.startFailed = false
	prev, changed := c.setStateLocked(next)
	c.mu.Unlock()
	if changed {
		c.changed(prev, next)
	}
	return nil
}

// RouteMismatch sends a container whose tags did not match to uninstall. A
// refresh that produced an incompatible build ends here too.
func (c *Container) RouteMismatch() Transition {
	if t := c.step(PhaseCompilerMismatch, func(State) State { return Plain(PhaseUnloadLibrary) }); t == Changed {
		return t
	}
	return c.step(PhaseAPIMismatch, func(State) State { return Plain(PhaseUnloadLibrary) })
}

// UnloadLibrary closes the library and forgets everything read from it.
func (c *Container) UnloadLibrary(ctx context.Context) Transition {
	return c.step(PhaseUnloadLibrary, func(s State) State {
		if c.library != nil {
			if err := c.library.Close(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to close plugin library")
			}
		}
		c.library = nil
		c.declaration = nil
		c.dependencies = nil
		return State{Phase: PhaseDeleteArtifact, Refreshing: s.Refreshing}
	})
}

// DeleteArtifact removes the installed file. If removal fails the container
// stays put and is retried.
func (c *Container) DeleteArtifact() Transition {
	return c.step(PhaseDeleteArtifact, func(s State) State {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.lastError = fmt.Errorf("failed to delete %s: %w", c.path, err)
			c.logger.Error().Err(err).Str("path", c.path).Msg("Failed to delete plugin artifact")
			return s
		}
		if s.Refreshing {
			return Refreshing(PhaseDeploying)
		}
		return Plain(PhaseUninstalled)
	})
}

// Deploy installs the newest build from the deploy directory under a fresh
// timestamped name. Without a build to deploy the container is uninstalled.
func (c *Container) Deploy(layout Layout, now time.Time) Transition {
	return c.step(PhaseDeploying, func(s State) State {
		ext := ArtifactExt(c.path)
		l := layout.forArtifact(c.path)
		src := l.DeployPath(c.stem, ext)
		if _, err := os.Stat(src); err != nil {
			c.logger.Warn().Str("deploy_path", src).Msg("No artifact to deploy, uninstalling plugin")
			return Plain(PhaseUninstalled)
		}
		dst := l.InstallPath(c.stem, ext, now.Unix())
		if err := CopyFile(src, dst); err != nil {
			c.lastError = err
			c.logger.Error().Err(err).Msg("Failed to deploy plugin artifact")
			return Plain(PhaseUninstalled)
		}
		if err := os.Remove(src); err != nil {
			c.logger.Warn().Err(err).Str("deploy_path", src).Msg("Failed to remove deployed artifact")
		}
		c.path = dst
		c.logger.Info().Str("path", dst).Msg("Deployed plugin")
		return Refreshing(PhaseInstalled)
	})
}

// Disable parks a container that holds no running plugin. A loaded library
// is closed first.
func (c *Container) Disable(ctx context.Context) Transition {
	c.mu.Lock()
	s := c.state
	if s.Refreshing || !(s.Phase == PhaseInstalled || s.Phase == PhaseResolved || s.Group() == GroupResolving) {
		c.mu.Unlock()
		return NoChange
	}
	if c.library != nil {
		if err := c.library.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close plugin library")
		}
	}
	c.library = nil
	c.declaration = nil
	c.dependencies = nil
	prev, _ := c.setStateLocked(Plain(PhaseDisabled))
	c.mu.Unlock()
	c.changed(prev, Plain(PhaseDisabled))
	return Changed
}

// Fallback unwinds a container caught part way through starting: before the
// plugin exists it returns to Resolved, afterwards it enters the stopping
// chain at the step that undoes the last completed one.
func (c *Container) Fallback() Transition {
	c.mu.Lock()
	s := c.state
	var next State
	switch s.Phase {
	case PhaseConstructingProxy:
		next = Plain(PhaseResolved)
	case PhaseInjectingContext:
		next = Plain(PhaseRemoveProxy)
	case PhaseRegistering:
		next = Plain(PhaseRemoveContext)
	case PhaseActivating:
		next = Plain(PhaseUnregistering)
	default:
		c.mu.Unlock()
		return NoChange
	}
	prev, _ := c.setStateLocked(next)
	c.mu.Unlock()
	c.changed(prev, next)
	return Changed
}
