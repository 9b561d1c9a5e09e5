package plugins

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	testCompiler = "go-test"
	testAPI      = "1.2.0"
)

type fakeArtifact struct {
	name      string
	version   string
	compiler  string
	api       string
	deps      []Dependency
	providers ProviderSet

	loadErr       error
	declErr       error
	registerErr   error
	setContextErr error
	providersErr  error
	activateErr   error
	deactivateErr error
}

type fakeLoader struct {
	mu        sync.Mutex
	artifacts map[string]*fakeArtifact
	log       []string
	loads     int
	closes    int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{artifacts: make(map[string]*fakeArtifact)}
}

func (l *fakeLoader) add(stem string, a *fakeArtifact) *fakeArtifact {
	if a.name == "" {
		a.name = DefaultNamePrefix + stem
	}
	if a.version == "" {
		a.version = "1.0.0"
	}
	if a.compiler == "" {
		a.compiler = testCompiler
	}
	if a.api == "" {
		a.api = testAPI
	}
	l.mu.Lock()
	l.artifacts[stem] = a
	l.mu.Unlock()
	return a
}

func (l *fakeLoader) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, fmt.Sprintf(format, args...))
}

func (l *fakeLoader) events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

func (l *fakeLoader) Accepts(string) bool { return true }

func (l *fakeLoader) Load(_ context.Context, path string) (Library, error) {
	stem := ArtifactStem(path)
	l.mu.Lock()
	a, ok := l.artifacts[stem]
	l.loads++
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no artifact for %s", stem)
	}
	if a.loadErr != nil {
		return nil, a.loadErr
	}
	return &fakeLibrary{loader: l, artifact: a, stem: stem}, nil
}

type fakeLibrary struct {
	loader   *fakeLoader
	artifact *fakeArtifact
	stem     string
}

func (f *fakeLibrary) CompilerVersion() string { return testCompiler }

func (f *fakeLibrary) Close(context.Context) error {
	f.loader.mu.Lock()
	f.loader.closes++
	f.loader.mu.Unlock()
	return nil
}

func (f *fakeLibrary) Declaration(context.Context) (*Declaration, error) {
	a := f.artifact
	if a.declErr != nil {
		return nil, a.declErr
	}
	return &Declaration{
		CompilerVersion: a.compiler,
		APIVersion:      a.api,
		Name:            a.name,
		Version:         a.version,
		Description:     "fake " + f.stem,
		Register: func(context.Context) (Plugin, error) {
			if a.registerErr != nil {
				return nil, a.registerErr
			}
			return &fakePlugin{lib: f}, nil
		},
		Dependencies: func(context.Context) ([]Dependency, error) {
			return append([]Dependency(nil), a.deps...), nil
		},
	}, nil
}

type fakePlugin struct {
	lib *fakeLibrary
	ctx Context
}

func (p *fakePlugin) Metadata() Metadata {
	a := p.lib.artifact
	return Metadata{Name: a.name, Version: a.version}
}

func (p *fakePlugin) SetContext(_ context.Context, pc Context) error {
	if err := p.lib.artifact.setContextErr; err != nil {
		return err
	}
	p.ctx = pc
	return nil
}

func (p *fakePlugin) RemoveContext(context.Context) error {
	p.ctx = nil
	return nil
}

func (p *fakePlugin) Activate(context.Context) error {
	if err := p.lib.artifact.activateErr; err != nil {
		return err
	}
	p.lib.loader.record("%s:activate", p.lib.stem)
	return nil
}

func (p *fakePlugin) Deactivate(context.Context) error {
	if err := p.lib.artifact.deactivateErr; err != nil {
		return err
	}
	p.lib.loader.record("%s:deactivate", p.lib.stem)
	return nil
}

func (p *fakePlugin) Providers(context.Context) (ProviderSet, error) {
	if err := p.lib.artifact.providersErr; err != nil {
		return nil, err
	}
	return p.lib.artifact.providers, nil
}

var errBoom = errors.New("boom")

// recorder keeps every transition event and checks the container invariants
// at the moment each one is committed.
type recorder struct {
	t      *testing.T
	m      *Manager
	mu     sync.Mutex
	events []TransitionEvent
}

func (r *recorder) OnTransition(ev TransitionEvent) {
	r.t.Helper()
	if !ev.To.Valid() {
		r.t.Errorf("%s entered invalid state %+v", ev.Stem, ev.To)
	}
	if c, ok := r.m.Get(uuid.MustParse(ev.PluginID)); ok {
		lib, proxy := c.hasLibrary(), c.hasProxy()
		p := ev.To.Phase
		if p.HoldsLibrary() && !lib {
			r.t.Errorf("%s in %s without a library", ev.Stem, ev.To)
		}
		if lib && !p.HoldsLibrary() && p != PhaseUnloadLibrary {
			r.t.Errorf("%s in %s still holds a library", ev.Stem, ev.To)
		}
		if p.HoldsProxy() != proxy {
			r.t.Errorf("%s in %s: proxy present = %v", ev.Stem, ev.To, proxy)
		}
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// index returns the position of the first event for stem matching pred.
func (r *recorder) index(stem string, pred func(TransitionEvent) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Stem == stem && !ev.Created && pred(ev) {
			return i
		}
	}
	return -1
}

func (r *recorder) states(stem string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Stem == stem && !ev.Created {
			out = append(out, ev.To.String())
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	dir      string
	loader   *fakeLoader
	collabs  *Collaborators
	manager  *Manager
	resolver *Resolver
	rec      *recorder
	policy   *switchPolicy
}

type switchPolicy struct {
	mu       sync.Mutex
	disabled map[string]bool
}

func (p *switchPolicy) set(stem string, disabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[stem] = disabled
}

func (p *switchPolicy) Disabled(_ context.Context, c Candidate) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[c.Stem]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		dir:     t.TempDir(),
		loader:  newFakeLoader(),
		collabs: NewMemoryCollaborators(),
		policy:  &switchPolicy{disabled: make(map[string]bool)},
	}
	h.manager = NewManager(ManagerConfig{
		Loader:         h.loader,
		Collaborators:  h.collabs,
		ContextFactory: NewContextFactory(zerolog.Nop(), h.collabs, nil, nil),
		APIVersion:     testAPI,
	}, zerolog.Nop())
	h.rec = &recorder{t: t, m: h.manager}
	h.manager.AddObserver(h.rec)
	h.resolver = NewResolver(h.manager, h.policy, ResolverConfig{}, zerolog.Nop())
	return h
}

// install registers an artifact for stem; the file itself is not created.
func (h *harness) install(stem string, a *fakeArtifact) uuid.UUID {
	h.t.Helper()
	h.loader.add(stem, a)
	id, ok := h.manager.Create(stem, filepath.Join(h.dir, "installed", stem+".1.fake"))
	if !ok {
		h.t.Fatalf("stem %s already registered", stem)
	}
	return id
}

func (h *harness) state(id uuid.UUID) State {
	h.t.Helper()
	s, ok := h.manager.State(id)
	if !ok {
		h.t.Fatalf("plugin %s not found", id)
	}
	return s
}

func (h *harness) boot() {
	h.resolver.Boot(context.Background())
}
