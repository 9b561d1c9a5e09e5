package plugins

import (
	"context"
	"slices"
)

// Candidate is what a DisablePolicy sees of a container.
type Candidate struct {
	ID        string `json:"id"`
	Stem      string `json:"stem"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Version   string `json:"version"`
	State     State  `json:"-"`
}

// DisablePolicy decides whether a plugin must not run.
type DisablePolicy interface {
	Disabled(ctx context.Context, c Candidate) bool
}

// StaticPolicy applies the configured allow and deny lists. When Enabled is
// non-nil it takes precedence: a plugin is disabled once its declared name is
// known and neither the name nor the short name is listed. Otherwise a plugin
// is disabled when its stem, name or short name is in Deny.
type StaticPolicy struct {
	Enabled []string
	Deny    []string
}

func (p StaticPolicy) Disabled(_ context.Context, c Candidate) bool {
	if p.Enabled != nil {
		if c.Name == "" {
			return false
		}
		return !slices.Contains(p.Enabled, c.Name) && !slices.Contains(p.Enabled, c.ShortName)
	}
	for _, d := range p.Deny {
		if d == c.Stem || (c.Name != "" && (d == c.Name || d == c.ShortName)) {
			return true
		}
	}
	return false
}

// AnyPolicy disables a plugin when any member does.
type AnyPolicy []DisablePolicy

func (a AnyPolicy) Disabled(ctx context.Context, c Candidate) bool {
	for _, p := range a {
		if p != nil && p.Disabled(ctx, c) {
			return true
		}
	}
	return false
}

func (m *Manager) candidate(c *Container) Candidate {
	info := c.Info()
	return Candidate{
		ID:        info.ID,
		Stem:      info.Stem,
		Name:      info.Name,
		ShortName: ShortName(info.Name, m.cfg.NamePrefix),
		Version:   info.Version,
		State:     info.State,
	}
}
