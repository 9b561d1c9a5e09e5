// Package selector compiles Starlark "where" expressions used to filter
// plugins in queries.
//
// An expression sees one plugin at a time:
//
//	group == "Active" and short_name.startswith("flow")
//	len(unsatisfied) > 0
//	any([d.name == "reactive-graph-plugin-base" for d in dependencies])
//	satisfies(version, ">=1.2, <2")
//
// Expressions are checked for unknown names at compile time. Evaluation is
// bounded by a step count and a wall-clock timeout.
package selector
