package policy

// Built-in policies are registered disabled; operators opt in by name.
const (
	BuiltinPrerelease  = "prerelease"
	BuiltinUnversioned = "unversioned"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		prereleasePolicy(),
		unversionedPolicy(),
	}
}

// prereleasePolicy disables plugins declaring a semver prerelease version.
func prereleasePolicy() Policy {
	return Policy{
		Name:        BuiltinPrerelease,
		Description: "Disables plugins whose declared version carries a prerelease suffix",
		Tags:        []string{"versioning"},
		Rego: `package plugind.builtin.prerelease

import rego.v1

default disabled := false

disabled if {
	input.version != ""
	core := split(input.version, "+")[0]
	contains(core, "-")
}

reason := sprintf("prerelease version %s", [input.version]) if disabled
`,
	}
}

// unversionedPolicy disables plugins whose version is 0.0.0.
func unversionedPolicy() Policy {
	return Policy{
		Name:        BuiltinUnversioned,
		Description: "Disables plugins declaring version 0.0.0",
		Tags:        []string{"versioning"},
		Rego: `package plugind.builtin.unversioned

import rego.v1

default disabled := false

disabled if input.version == "0.0.0"

reason := "unversioned build" if disabled
`,
	}
}
