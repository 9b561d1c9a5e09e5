package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Admin runs operator requests. Each request applies one entry point, lets
// the resolver converge, propagates to dependents and finally unwinds any
// container left part way through starting. Requests run one at a time.
type Admin struct {
	mu       sync.Mutex
	manager  *Manager
	resolver *Resolver
	logger   zerolog.Logger
}

func NewAdmin(manager *Manager, resolver *Resolver, logger zerolog.Logger) *Admin {
	return &Admin{
		manager:  manager,
		resolver: resolver,
		logger:   logger.With().Str("component", "plugin-admin").Logger(),
	}
}

func (a *Admin) Manager() *Manager { return a.manager }

func (a *Admin) Resolver() *Resolver { return a.resolver }

func (a *Admin) span(ctx context.Context, op string, id uuid.UUID) (context.Context, trace.Span) {
	return a.resolver.tracer.Start(ctx, "admin."+op, trace.WithAttributes(
		attribute.String("plugin.id", id.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Start starts a Resolved plugin and every dependent that becomes startable.
func (a *Admin) Start(ctx context.Context, id uuid.UUID) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, span := a.span(ctx, "start", id)
	defer func() { endSpan(span, err) }()

	if err := a.manager.Start(id); err != nil {
		return err
	}
	a.resolver.ResolveUntilIdle(ctx)
	a.cascadeStart(ctx, id)
	a.resolver.TransitionToFallbackStates(ctx)
	return a.startOutcome(id)
}

func (a *Admin) cascadeStart(ctx context.Context, id uuid.UUID) {
	for a.manager.CascadeStart(id) {
		a.resolver.ResolveUntilIdle(ctx)
	}
}

// startOutcome surfaces a hook failure recorded during the start.
func (a *Admin) startOutcome(id uuid.UUID) error {
	c, ok := a.manager.Get(id)
	if !ok {
		return notFound(id.String())
	}
	info := c.Info()
	if info.StartFailed {
		return c.LastError()
	}
	return nil
}

// Stop stops a plugin and every active plugin that depended on it.
func (a *Admin) Stop(ctx context.Context, id uuid.UUID) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, span := a.span(ctx, "stop", id)
	defer func() { endSpan(span, err) }()

	if err := a.manager.Stop(id); err != nil {
		return err
	}
	a.stopCascade(ctx)
	return nil
}

func (a *Admin) stopCascade(ctx context.Context) {
	a.resolver.ResolveUntilIdle(ctx)
	for a.manager.CascadeStopUnsatisfied() {
		a.resolver.ResolveUntilIdle(ctx)
	}
	a.resolver.TransitionToFallbackStates(ctx)
}

// Restart stops and starts a plugin. Dependents stopped on the way are
// started again.
func (a *Admin) Restart(ctx context.Context, id uuid.UUID) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, span := a.span(ctx, "restart", id)
	defer func() { endSpan(span, err) }()

	if err := a.manager.Stop(id); err != nil {
		return err
	}
	a.stopCascade(ctx)
	if err := a.manager.Start(id); err != nil {
		return err
	}
	a.resolver.ResolveUntilIdle(ctx)
	a.cascadeStart(ctx, id)
	a.resolver.TransitionToFallbackStates(ctx)
	return a.startOutcome(id)
}

// Uninstall unloads a stopped plugin and deletes its artifact.
func (a *Admin) Uninstall(ctx context.Context, id uuid.UUID) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, span := a.span(ctx, "uninstall", id)
	defer func() { endSpan(span, err) }()

	if err := a.manager.Uninstall(id); err != nil {
		return err
	}
	a.stopCascade(ctx)
	return nil
}

// Redeploy hot-swaps a plugin with the build waiting in the deploy directory.
func (a *Admin) Redeploy(ctx context.Context, id uuid.UUID) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, span := a.span(ctx, "redeploy", id)
	defer func() { endSpan(span, err) }()

	if err := a.manager.Redeploy(id); err != nil {
		return err
	}
	a.resolver.ResolveUntilIdle(ctx)
	a.cascadeStart(ctx, id)
	a.resolver.TransitionToFallbackStates(ctx)
	return nil
}

// Install registers a new artifact, resolves it and starts it with its
// dependents. It returns the new id, or an error when the stem is taken.
func (a *Admin) Install(ctx context.Context, stem, path string) (id uuid.UUID, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.manager.Create(stem, path)
	ctx, span := a.span(ctx, "install", id)
	defer func() { endSpan(span, err) }()
	if !ok {
		return uuid.Nil, fmt.Errorf("plugin %s is already installed", stem)
	}
	a.resolver.ResolveUntilIdle(ctx)
	if err := a.manager.Start(id); err == nil {
		a.resolver.ResolveUntilIdle(ctx)
		a.cascadeStart(ctx, id)
	}
	a.resolver.TransitionToFallbackStates(ctx)
	return id, nil
}

// Reconcile lets the resolver act on changed disable policies, stops every
// dependent left without its dependencies and returns the number of
// transitions made.
func (a *Admin) Reconcile(ctx context.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, span := a.resolver.tracer.Start(ctx, "admin.reconcile")
	defer span.End()

	n := a.resolver.ResolveUntilIdle(ctx)
	for a.manager.CascadeStopUnsatisfied() {
		n += a.resolver.ResolveUntilIdle(ctx)
	}
	a.resolver.TransitionToFallbackStates(ctx)
	a.resolver.LogUnsatisfied()
	return n
}

// Resolve looks up a plugin by id, stem or name.
func (a *Admin) Resolve(ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if _, ok := a.manager.Get(id); ok {
			return id, nil
		}
		return uuid.Nil, notFound(ref)
	}
	if id, ok := a.manager.IDByStem(ref); ok {
		return id, nil
	}
	if id, ok := a.manager.IDByName(ref); ok {
		return id, nil
	}
	return uuid.Nil, notFound(ref)
}

// Matcher decides whether a plugin is selected by an expression.
type Matcher interface {
	Match(info Info, group Group, unsatisfied []Dependency) (bool, error)
}

// Filter selects plugins. Zero fields match everything.
type Filter struct {
	ID                         string
	Stem                       string
	Name                       string
	Group                      Group
	HasDependencies            *bool
	HasUnsatisfiedDependencies *bool
	Where                      Matcher
}

// Query returns the plugins matching f in registration order.
func (a *Admin) Query(f Filter) ([]Info, error) {
	return a.manager.Query(f)
}

func (m *Manager) Query(f Filter) ([]Info, error) {
	var out []Info
	for _, c := range m.Containers() {
		info := c.Info()
		if f.ID != "" && info.ID != f.ID {
			continue
		}
		if f.Stem != "" && info.Stem != f.Stem {
			continue
		}
		if f.Name != "" && info.Name != f.Name && ShortName(info.Name, m.cfg.NamePrefix) != f.Name {
			continue
		}
		if f.Group != "" && info.State.Group() != f.Group {
			continue
		}
		if f.HasDependencies != nil && (len(info.Dependencies) > 0) != *f.HasDependencies {
			continue
		}
		unsatisfied := m.UnsatisfiedDependencies(c.id)
		if f.HasUnsatisfiedDependencies != nil && (len(unsatisfied) > 0) != *f.HasUnsatisfiedDependencies {
			continue
		}
		if f.Where != nil {
			ok, err := f.Where.Match(info, info.State.Group(), unsatisfied)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate selector for %s: %w", info.Stem, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, info)
	}
	return out, nil
}
