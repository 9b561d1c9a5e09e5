package plugins

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one plugin in the dependency graph.
type GraphNode struct {
	Stem         string   `json:"stem"`
	Name         string   `json:"name,omitempty"`
	Version      string   `json:"version,omitempty"`
	State        string   `json:"state"`
	Level        int      `json:"level"` // -1 when on or behind a cycle
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// MissingEdge is a declared dependency nothing satisfies.
type MissingEdge struct {
	From       string     `json:"from"`
	Dependency Dependency `json:"dependency"`
}

// Graph is the dependency graph between registered plugins, edges pointing
// from a dependency to its dependent.
type Graph struct {
	Nodes   map[string]*GraphNode `json:"nodes"`
	Levels  [][]string            `json:"levels"`
	Missing []MissingEdge         `json:"missing,omitempty"`
	Cycles  [][]string            `json:"cycles,omitempty"`
}

// Graph snapshots the current dependency graph.
func (m *Manager) Graph() *Graph {
	g := &Graph{Nodes: make(map[string]*GraphNode)}
	infos := m.Infos()
	byID := make(map[string]string, len(infos))
	for _, info := range infos {
		byID[info.ID] = info.Stem
		g.Nodes[info.Stem] = &GraphNode{
			Stem:         info.Stem,
			Name:         info.Name,
			Version:      info.Version,
			State:        info.State.String(),
			Level:        -1,
			Dependencies: []string{},
			Dependents:   []string{},
		}
	}
	for _, info := range infos {
		node := g.Nodes[info.Stem]
		for _, d := range info.Dependencies {
			id, ok := m.ByDependency(d)
			target, known := byID[id.String()]
			if !ok || !known {
				g.Missing = append(g.Missing, MissingEdge{From: info.Stem, Dependency: d})
				continue
			}
			node.Dependencies = append(node.Dependencies, target)
			g.Nodes[target].Dependents = append(g.Nodes[target].Dependents, info.Stem)
		}
	}
	for _, n := range g.Nodes {
		sort.Strings(n.Dependencies)
		sort.Strings(n.Dependents)
	}
	g.detectCycles()
	g.computeLevels()
	return g
}

func (g *Graph) sortedStems() []string {
	stems := make([]string, 0, len(g.Nodes))
	for s := range g.Nodes {
		stems = append(stems, s)
	}
	sort.Strings(stems)
	return stems
}

// detectCycles records every cycle found by a depth-first walk.
func (g *Graph) detectCycles() {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var walk func(stem string, path []string)
	walk = func(stem string, path []string) {
		visited[stem] = true
		onStack[stem] = true
		path = append(path, stem)
		for _, next := range g.Nodes[stem].Dependents {
			if !visited[next] {
				walk(next, path)
				continue
			}
			if onStack[next] {
				for i, s := range path {
					if s == next {
						cycle := append(append([]string{}, path[i:]...), next)
						g.Cycles = append(g.Cycles, cycle)
						break
					}
				}
			}
		}
		onStack[stem] = false
	}
	for _, stem := range g.sortedStems() {
		if !visited[stem] {
			walk(stem, nil)
		}
	}
}

// computeLevels assigns start levels with Kahn's algorithm. Plugins in the
// same level have no dependencies on each other.
func (g *Graph) computeLevels() {
	inDegree := make(map[string]int, len(g.Nodes))
	var current []string
	for _, stem := range g.sortedStems() {
		inDegree[stem] = len(g.Nodes[stem].Dependencies)
		if inDegree[stem] == 0 {
			current = append(current, stem)
		}
	}
	for level := 0; len(current) > 0; level++ {
		g.Levels = append(g.Levels, current)
		var next []string
		for _, stem := range current {
			g.Nodes[stem].Level = level
			for _, dep := range g.Nodes[stem].Dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

// StartOrder flattens the levels.
func (g *Graph) StartOrder() []string {
	var out []string
	for _, l := range g.Levels {
		out = append(out, l...)
	}
	return out
}

// ToDOT renders the graph for Graphviz, one cluster per level.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph Plugins {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, stems := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, stem := range stems {
			g.writeNode(&sb, g.Nodes[stem], "    ")
		}
		sb.WriteString("  }\n\n")
	}
	for _, stem := range g.sortedStems() {
		if n := g.Nodes[stem]; n.Level < 0 {
			g.writeNode(&sb, n, "  ")
		}
	}
	for _, stem := range g.sortedStems() {
		for _, dep := range g.Nodes[stem].Dependents {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", stem, dep))
		}
	}
	for _, miss := range g.Missing {
		label := miss.Dependency.String()
		sb.WriteString(fmt.Sprintf("  %q [shape=note, color=red];\n", label))
		sb.WriteString(fmt.Sprintf("  %q -> %q [style=dashed, color=red];\n", label, miss.From))
	}
	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) writeNode(sb *strings.Builder, n *GraphNode, indent string) {
	label := n.Stem
	if n.Version != "" {
		label += "\\n" + n.Version
	}
	sb.WriteString(fmt.Sprintf("%s%q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
		indent, n.Stem, label, n.State, stateColor(n.State)))
}

func stateColor(state string) string {
	switch {
	case strings.HasPrefix(state, "Refreshing"):
		return "lightyellow"
	case state == "Active":
		return "lightgreen"
	case state == "Resolved":
		return "lightblue"
	case state == "Disabled", strings.HasPrefix(state, "Uninstall"):
		return "lightgray"
	case strings.Contains(state, "Mismatch"), strings.Contains(state, "DependenciesNotActive"):
		return "lightcoral"
	default:
		return "white"
	}
}
