// Package dag orders tables by their declared dependencies.
//
// A table that depends on another starts only after its parent has been
// drained, so foreign keys in the target are satisfied by the time child
// rows arrive.
package dag

import (
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Graph is a directed acyclic graph of tables.
type Graph struct {
	nodes    map[string]core.TableDescriptor
	children map[string][]string // parent -> dependents
	parents  map[string][]string // child -> dependencies
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]core.TableDescriptor),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// Build creates a graph from table descriptors and their depends_on lists.
// Dependencies on tables outside the set are ignored when lenient is true
// and are configuration errors otherwise. Cycles are always errors.
func Build(tables []core.TableDescriptor, lenient bool) (*Graph, error) {
	g := NewGraph()
	for _, t := range tables {
		if _, dup := g.nodes[t.Name]; dup {
			return nil, core.Errorf(core.CodeConfiguration, "dag", "table %q is declared twice", t.Name)
		}
		g.AddNode(t)
	}
	for _, t := range tables {
		for _, dep := range t.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				if lenient {
					continue
				}
				return nil, core.Errorf(core.CodeConfiguration, "dag", "table %q depends on unknown table %q", t.Name, dep)
			}
			if err := g.AddEdge(dep, t.Name); err != nil {
				return nil, core.NewError(core.CodeConfiguration, "dag", err)
			}
		}
	}
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, core.Errorf(core.CodeConfiguration, "dag", "dependency cycle: %s", strings.Join(path, " -> "))
	}
	return g, nil
}

// AddNode adds or replaces a table.
func (g *Graph) AddNode(t core.TableDescriptor) {
	if _, exists := g.nodes[t.Name]; !exists {
		g.children[t.Name] = nil
		g.parents[t.Name] = nil
	}
	g.nodes[t.Name] = t
}

// AddEdge adds a directed edge from parent to child (child depends on parent).
func (g *Graph) AddEdge(parent, child string) error {
	if _, exists := g.nodes[parent]; !exists {
		return fmt.Errorf("parent table %q does not exist", parent)
	}
	if _, exists := g.nodes[child]; !exists {
		return fmt.Errorf("child table %q does not exist", child)
	}
	if parent == child {
		return fmt.Errorf("table %q depends on itself", parent)
	}

	if !slices.Contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !slices.Contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
	return nil
}

// Table returns a table by name.
func (g *Graph) Table(name string) (core.TableDescriptor, bool) {
	t, ok := g.nodes[name]
	return t, ok
}

// Parents returns the tables name depends on, sorted.
func (g *Graph) Parents(name string) []string {
	out := slices.Clone(g.parents[name])
	slices.Sort(out)
	return out
}

// Children returns the tables that depend on name, sorted.
func (g *Graph) Children(name string) []string {
	out := slices.Clone(g.children[name])
	slices.Sort(out)
	return out
}

// Len returns the number of tables.
func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// HasCycle reports whether the graph contains a cycle, along with the cycle
// path starting and ending at the same table.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	from := make(map[string]string)
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, child := range g.Children(id) {
			if !visited[child] {
				from[child] = id
				if dfs(child) {
					return true
				}
			} else if onStack[child] {
				cycle = []string{child}
				for cur := id; cur != child; cur = from[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				cycle = append([]string{child}, cycle...)
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] && dfs(id) {
			return true, cycle
		}
	}
	return false, nil
}

// TopologicalSort returns tables with dependencies before dependents. Ties
// are broken by name.
func (g *Graph) TopologicalSort() ([]core.TableDescriptor, error) {
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, fmt.Errorf("cycle detected: %s", strings.Join(path, " -> "))
	}

	visited := make(map[string]bool)
	var result []core.TableDescriptor

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, p := range g.Parents(id) {
			visit(p)
		}
		result = append(result, g.nodes[id])
	}
	for _, id := range g.sortedIDs() {
		visit(id)
	}
	return result, nil
}

// Levels groups tables by depth. Tables in level N depend only on tables
// in earlier levels.
func (g *Graph) Levels() ([][]string, error) {
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, fmt.Errorf("cycle detected: %s", strings.Join(path, " -> "))
	}

	assigned := make(map[string]int)
	var level func(id string) int
	level = func(id string) int {
		if l, ok := assigned[id]; ok {
			return l
		}
		l := 0
		for _, p := range g.parents[id] {
			l = max(l, level(p)+1)
		}
		assigned[id] = l
		return l
	}

	var levels [][]string
	for _, id := range g.sortedIDs() {
		l := level(id)
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels, nil
}

// Upstream returns every table name transitively depends on, sorted.
func (g *Graph) Upstream(name string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, p := range g.parents[id] {
			if !seen[p] {
				seen[p] = true
				walk(p)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Subgraph returns a graph restricted to names. Edges to tables outside the
// set are dropped.
func (g *Graph) Subgraph(names []string) *Graph {
	sub := NewGraph()
	keep := make(map[string]bool, len(names))
	for _, id := range names {
		if t, ok := g.nodes[id]; ok {
			keep[id] = true
			sub.AddNode(t)
		}
	}
	for id := range keep {
		for _, child := range g.children[id] {
			if keep[child] {
				_ = sub.AddEdge(id, child)
			}
		}
	}
	return sub
}
