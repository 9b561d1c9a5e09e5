package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ProviderKind tags a provider with the host registry it is wired into.
type ProviderKind string

const (
	KindComponent          ProviderKind = "component"
	KindEntityType         ProviderKind = "entity-type"
	KindRelationType       ProviderKind = "relation-type"
	KindFlowType           ProviderKind = "flow-type"
	KindComponentBehaviour ProviderKind = "component-behaviour"
	KindEntityBehaviour    ProviderKind = "entity-behaviour"
	KindRelationBehaviour  ProviderKind = "relation-behaviour"
	KindFlowInstance       ProviderKind = "flow-instance"
	KindWebResource        ProviderKind = "web-resource"
)

// ProviderKinds lists every kind in wiring order.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{
		KindComponent,
		KindEntityType,
		KindRelationType,
		KindFlowType,
		KindComponentBehaviour,
		KindEntityBehaviour,
		KindRelationBehaviour,
		KindFlowInstance,
		KindWebResource,
	}
}

func (k ProviderKind) Valid() bool {
	for _, known := range ProviderKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Provider is one capability a plugin contributes. Value is opaque to the
// lifecycle core and only interpreted by the registry of its kind.
type Provider struct {
	Kind  ProviderKind `json:"kind"`
	Name  string       `json:"name"`
	Value any          `json:"value,omitempty"`
}

// ProviderSet is everything a plugin contributes, at most one entry per
// (kind, name).
type ProviderSet []Provider

// Validate rejects unknown kinds and duplicates.
func (s ProviderSet) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, p := range s {
		if !p.Kind.Valid() {
			return fmt.Errorf("unknown provider kind %q", p.Kind)
		}
		if p.Name == "" {
			return fmt.Errorf("provider of kind %s has no name", p.Kind)
		}
		key := string(p.Kind) + "/" + p.Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate provider %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ByKind returns the providers of one kind.
func (s ProviderSet) ByKind(kind ProviderKind) []Provider {
	var out []Provider
	for _, p := range s {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// ProviderRegistry is a host-side registry for one provider kind.
type ProviderRegistry interface {
	Add(pluginID string, p Provider) error
	Remove(pluginID string, p Provider) error
}

// ProviderLookup is the read-only side of a registry handed to plugins.
type ProviderLookup interface {
	List() []Provider
	Get(name string) (Provider, bool)
}

// Collaborators maps provider kinds to host registries. Kinds without a
// registry are skipped during wiring.
type Collaborators struct {
	registries map[ProviderKind]ProviderRegistry
}

func NewCollaborators() *Collaborators {
	return &Collaborators{registries: make(map[ProviderKind]ProviderRegistry)}
}

// NewMemoryCollaborators backs every kind with a MemoryRegistry.
func NewMemoryCollaborators() *Collaborators {
	c := NewCollaborators()
	for _, k := range ProviderKinds() {
		c.Set(k, NewMemoryRegistry(k))
	}
	return c
}

func (c *Collaborators) Set(kind ProviderKind, r ProviderRegistry) {
	c.registries[kind] = r
}

func (c *Collaborators) Registry(kind ProviderKind) (ProviderRegistry, bool) {
	r, ok := c.registries[kind]
	return r, ok
}

// Lookup returns the read-only view of a kind's registry when it offers one.
func (c *Collaborators) Lookup(kind ProviderKind) (ProviderLookup, bool) {
	r, ok := c.registries[kind]
	if !ok {
		return nil, false
	}
	l, ok := r.(ProviderLookup)
	return l, ok
}

var errProviderExists = errors.New("provider already registered")

// MemoryRegistry is an in-process registry for a single kind.
type MemoryRegistry struct {
	kind  ProviderKind
	mu    sync.RWMutex
	items map[string]memoryEntry
}

type memoryEntry struct {
	owner    string
	provider Provider
}

func NewMemoryRegistry(kind ProviderKind) *MemoryRegistry {
	return &MemoryRegistry{kind: kind, items: make(map[string]memoryEntry)}
}

func (r *MemoryRegistry) Add(pluginID string, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.items[p.Name]; ok {
		return fmt.Errorf("%s %q (owner %s): %w", r.kind, p.Name, e.owner, errProviderExists)
	}
	r.items[p.Name] = memoryEntry{owner: pluginID, provider: p}
	return nil
}

func (r *MemoryRegistry) Remove(pluginID string, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[p.Name]
	if !ok || e.owner != pluginID {
		return fmt.Errorf("%s %q is not registered by %s", r.kind, p.Name, pluginID)
	}
	delete(r.items, p.Name)
	return nil
}

func (r *MemoryRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[name]
	return e.provider, ok
}

func (r *MemoryRegistry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e.provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
