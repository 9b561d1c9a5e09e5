package policy

import (
	"time"
)

// Policy is one Rego module deciding whether plugins are disabled.
//
// The module's package must define a boolean rule named disabled. It may
// also define a string rule named reason.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Plugins restricts the policy to these stems or short names. Empty
	// means every plugin.
	Plugins []string `json:"plugins,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyInput is the document bound to input during evaluation.
type PolicyInput struct {
	ID         string `json:"id"`
	Stem       string `json:"stem"`
	Name       string `json:"name"`
	ShortName  string `json:"short_name"`
	Version    string `json:"version"`
	State      string `json:"state"`
	Phase      string `json:"phase"`
	Refreshing bool   `json:"refreshing"`
}

// Decision is the combined verdict of all enabled policies for one plugin.
type Decision struct {
	// Disabled is true when any enabled policy disabled the plugin.
	Disabled bool `json:"disabled"`

	// Policies names the policies that disabled the plugin.
	Policies []string `json:"policies,omitempty"`

	// Reasons holds the reason rule of each disabling policy, when defined.
	Reasons []string `json:"reasons,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// AppliesTo reports whether the policy is evaluated for the input.
func (p *Policy) AppliesTo(input PolicyInput) bool {
	if len(p.Plugins) == 0 {
		return true
	}
	for _, name := range p.Plugins {
		if name == input.Stem || name == input.ShortName {
			return true
		}
	}
	return false
}
