// Package policy provides Open Policy Agent (OPA) integration for the
// disabled-plugin decision.
//
// An Engine holds a set of Rego policies. Each policy's package defines a
// boolean disabled rule and, optionally, a string reason rule. A plugin is
// disabled when any enabled policy yields disabled == true. The input
// document is:
//
//	{
//	  "id": "...", "stem": "flow", "name": "reactive-graph-plugin-flow",
//	  "short_name": "flow", "version": "1.2.0",
//	  "state": "Resolved", "phase": "Resolved", "refreshing": false
//	}
//
// Example policy:
//
//	package plugind.maintenance
//
//	import rego.v1
//
//	default disabled := false
//
//	disabled if input.short_name in {"legacy", "experimental"}
//
//	reason := "maintenance window" if disabled
//
// Policies are loaded from .rego files (enabled, named after the file) or
// .json definitions, and reloaded on change by Watch. A policy without a
// disabled rule is rejected. A METADATA package annotation may describe the
// policy and list the plugins it applies to under custom.plugins. Built-in policies
// (prerelease, unversioned) ship disabled and are switched on by name.
//
// Engine implements plugins.DisablePolicy and is composed with the static
// allow and deny lists through plugins.AnyPolicy. Evaluation errors are
// logged and never disable a plugin.
package policy
