// Package graph builds and validates the service dependency graph and
// derives the orderings the scheduler executes: a deterministic start order
// and its exact reverse for stop.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/afroisalreadyinu/miniboss/internal/service"
)

// ExclusionError reports an exclusion that would break the dependency
// closure: excluding a service something else depends on (start), or
// stopping a dependency out from under an excluded survivor (stop). Fatal,
// raised before any container operation.
type ExclusionError struct {
	Reason string
}

func (e *ExclusionError) Error() string { return e.Reason }

// Graph is an immutable dependency graph over a set of service definitions.
// Edges are kept separately from the definitions because an induced subgraph
// may legitimately drop edges into excluded services (stop direction).
type Graph struct {
	defs       map[string]*service.Definition
	declared   []string            // names in declaration order
	deps       map[string][]string // effective in-graph dependencies
	dependents map[string][]string // direct dependents, declaration order
	startOrder []string
}

// Build validates the definition set (unique names, resolvable dependencies,
// acyclicity) and computes the start order. The order is topological with a
// stable tie-break by declaration order, so independent branches do not
// reorder between runs. Filtered subgraphs keep the same rule.
func Build(defs []*service.Definition) (*Graph, error) {
	g := &Graph{
		defs:       make(map[string]*service.Definition, len(defs)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	var duplicates []string
	for _, def := range defs {
		if _, seen := g.defs[def.Name]; seen {
			duplicates = append(duplicates, def.Name)
			continue
		}
		g.defs[def.Name] = def
		g.declared = append(g.declared, def.Name)
	}
	if len(duplicates) > 0 {
		return nil, &service.DefinitionError{
			Reason: fmt.Sprintf("repeated service names: %s", strings.Join(duplicates, ",")),
		}
	}

	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := g.defs[dep]; !ok {
				return nil, &service.DefinitionError{
					Service: def.Name,
					Reason:  fmt.Sprintf("dependency %q not among the defined services", dep),
				}
			}
			g.deps[def.Name] = append(g.deps[def.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], def.Name)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.startOrder = order
	return g, nil
}

// topoSort is Kahn's algorithm; the ready set is drained in declaration
// order. Nodes left over after the sort are part of a cycle.
func (g *Graph) topoSort() ([]string, error) {
	remaining := make(map[string]int, len(g.defs))
	for name := range g.defs {
		remaining[name] = len(g.deps[name])
	}

	order := make([]string, 0, len(g.defs))
	for len(order) < len(g.defs) {
		picked := ""
		for _, name := range g.declared {
			if count, open := remaining[name]; open && count == 0 {
				picked = name
				break
			}
		}
		if picked == "" {
			var cycle []string
			for name := range remaining {
				cycle = append(cycle, name)
			}
			sort.Strings(cycle)
			return nil, &service.DefinitionError{
				Reason: fmt.Sprintf("circular dependency detected among: %s", strings.Join(cycle, ",")),
			}
		}
		order = append(order, picked)
		delete(remaining, picked)
		for _, dependent := range g.dependents[picked] {
			if _, open := remaining[dependent]; open {
				remaining[dependent]--
			}
		}
	}
	return order, nil
}

// StartOrder returns the names in start order, dependencies first.
func (g *Graph) StartOrder() []string {
	return append([]string(nil), g.startOrder...)
}

// StopOrder is the exact reverse of StartOrder, so stop undoes precisely
// what start did.
func (g *Graph) StopOrder() []string {
	order := make([]string, len(g.startOrder))
	for i, name := range g.startOrder {
		order[len(order)-1-i] = name
	}
	return order
}

// Definition returns the definition for name.
func (g *Graph) Definition(name string) (*service.Definition, bool) {
	def, ok := g.defs[name]
	return def, ok
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int { return len(g.defs) }

// Dependencies returns the direct in-graph dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the direct dependents of name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Closure returns name plus its transitive dependents, in start order.
func (g *Graph) Closure(name string) []string {
	included := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range g.dependents[current] {
			if !included[dependent] {
				included[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	closure := make([]string, 0, len(included))
	for _, n := range g.startOrder {
		if included[n] {
			closure = append(closure, n)
		}
	}
	return closure
}

// FilterForStart returns the induced subgraph without the excluded services.
// It fails if an excluded name is undefined, or if any included service
// depends on an excluded one; checking direct edges over every included
// service covers the transitive case as well.
func (g *Graph) FilterForStart(excluded []string) (*Graph, error) {
	excludedSet, err := g.excludedSet(excluded)
	if err != nil {
		return nil, err
	}
	for _, name := range g.declared {
		if excludedSet[name] {
			continue
		}
		for _, dep := range g.defs[name].Dependencies {
			if excludedSet[dep] {
				return nil, &ExclusionError{
					Reason: fmt.Sprintf("%s is to be excluded, but %s depends on it", dep, name),
				}
			}
		}
	}
	return g.induced(excludedSet)
}

// FilterForStop mirrors FilterForStart in the other direction: it fails if an
// excluded (surviving) service depends on a service that is about to be
// stopped. Two excluded services depending on each other are permitted.
func (g *Graph) FilterForStop(excluded []string) (*Graph, error) {
	excludedSet, err := g.excludedSet(excluded)
	if err != nil {
		return nil, err
	}
	for _, name := range g.declared {
		if !excludedSet[name] {
			continue
		}
		for _, dep := range g.defs[name].Dependencies {
			if !excludedSet[dep] {
				return nil, &ExclusionError{
					Reason: fmt.Sprintf("%s is to be stopped, but %s depends on it", dep, name),
				}
			}
		}
	}
	return g.induced(excludedSet)
}

func (g *Graph) excludedSet(excluded []string) (map[string]bool, error) {
	var missing []string
	set := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		if _, ok := g.defs[name]; !ok {
			missing = append(missing, name)
			continue
		}
		set[name] = true
	}
	if len(missing) > 0 {
		plural := ""
		if len(missing) > 1 {
			plural = "s"
		}
		return nil, &ExclusionError{
			Reason: fmt.Sprintf("service%s to be excluded, but not defined: %s",
				plural, strings.Join(missing, ",")),
		}
	}
	return set, nil
}

func (g *Graph) induced(excludedSet map[string]bool) (*Graph, error) {
	kept := make([]*service.Definition, 0, len(g.declared))
	for _, name := range g.declared {
		if !excludedSet[name] {
			kept = append(kept, g.defs[name])
		}
	}
	return buildInduced(kept, excludedSet)
}

// buildInduced rebuilds a graph over kept definitions, ignoring edges into
// excluded services; the exclusion checks have already ruled out the edges
// that would matter.
func buildInduced(kept []*service.Definition, excludedSet map[string]bool) (*Graph, error) {
	g := &Graph{
		defs:       make(map[string]*service.Definition, len(kept)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, def := range kept {
		g.defs[def.Name] = def
		g.declared = append(g.declared, def.Name)
	}
	for _, def := range kept {
		for _, dep := range def.Dependencies {
			if excludedSet[dep] {
				continue
			}
			g.deps[def.Name] = append(g.deps[def.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], def.Name)
		}
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.startOrder = order
	return g, nil
}
