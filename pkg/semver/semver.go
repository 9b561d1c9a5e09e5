// Package semver wraps github.com/Masterminds/semver/v3 with the requirement
// semantics plugin declarations use: a bare version such as "1.2" means
// "compatible with 1.2" (caret), not "exactly 1.2".
package semver

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a semantic version.
type Version struct {
	v *mm.Version
}

// Requirement is a version requirement such as "^1.2", ">=0.3, <0.5" or "*".
type Requirement struct {
	raw string
	c   *mm.Constraints
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseRequirement parses a requirement. Comma separated clauses are ANDed.
// Clauses that start with a digit get an implicit caret.
func ParseRequirement(raw string) (Requirement, error) {
	normalized := normalize(raw)
	c, err := mm.NewConstraint(normalized)
	if err != nil {
		return Requirement{}, fmt.Errorf("semver: parse requirement %q: %w", raw, err)
	}
	return Requirement{raw: raw, c: c}, nil
}

func MustParseRequirement(raw string) Requirement {
	r, err := ParseRequirement(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "*"
	}
	clauses := strings.Split(raw, ",")
	for i, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause != "" && clause[0] >= '0' && clause[0] <= '9' {
			clause = "^" + clause
		}
		clauses[i] = clause
	}
	return strings.Join(clauses, ", ")
}

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

func (v Version) Major() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Major()
}

func (r Requirement) String() string {
	return r.raw
}

// Matches reports whether v satisfies r. Prereleases only match when the
// requirement names a prerelease itself.
func (r Requirement) Matches(v Version) bool {
	if v.v == nil || r.c == nil {
		return false
	}
	return r.c.Check(v.v)
}

// Satisfies parses both sides and checks them. Unparseable input never matches.
func Satisfies(version, requirement string) bool {
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	r, err := ParseRequirement(requirement)
	if err != nil {
		return false
	}
	return r.Matches(v)
}

// Compatible reports whether a plugin built against pluginAPI can be loaded by
// a host exposing hostAPI: caret semantics with the host as the lower bound's
// reference, so "1.4.0" hosts "1.0.0" through "1.4.x" plugins but not "2.0.0".
func Compatible(hostAPI, pluginAPI string) bool {
	host, err := ParseVersion(hostAPI)
	if err != nil {
		return false
	}
	plugin, err := ParseVersion(pluginAPI)
	if err != nil {
		return false
	}
	if host.v.Major() != plugin.v.Major() {
		return false
	}
	if host.v.Major() == 0 && host.v.Minor() != plugin.v.Minor() {
		return false
	}
	return plugin.v.Compare(host.v) <= 0
}

// Compare returns -1, 0 or 1. A zero Version sorts first.
func Compare(a, b Version) int {
	if a.v == nil && b.v == nil {
		return 0
	}
	if a.v == nil {
		return -1
	}
	if b.v == nil {
		return 1
	}
	return a.v.Compare(b.v)
}
