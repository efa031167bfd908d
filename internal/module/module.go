// Package module resolves the dependency graph of a multi-module build.
//
// Every module declares edges to other modules and to catalog libraries.
// A compile edge is visible only to the declaring module; a runtime edge is
// also propagated to everything that depends on the declaring module at
// runtime. For each module the resolution yields two ordered sets, kept
// distinct:
//
//   - compile: all direct dependencies plus the runtime closure of every
//     direct module dependency
//   - runtime: the transitive closure over runtime edges only
//
// Modules are ordered leaves first with ties broken by name. Libraries
// follow the order of the modules that contribute them.
package module

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/mod/semver"

	"buildweaver/internal/builderr"
	"buildweaver/internal/dag"
)

// EdgeKind is the visibility of a dependency.
type EdgeKind string

const (
	Compile EdgeKind = "compile"
	Runtime EdgeKind = "runtime"
)

func (k EdgeKind) Valid() bool { return k == Compile || k == Runtime }

// Dependency is one declared edge. Exactly one of Module, Library and
// Bundle is set.
type Dependency struct {
	Module  string
	Library string
	Bundle  string
	Kind    EdgeKind
}

func (d Dependency) String() string {
	switch {
	case d.Module != "":
		return "module " + d.Module
	case d.Library != "":
		return "library " + d.Library
	}
	return "bundle " + d.Bundle
}

// Module is a build unit declaration.
type Module struct {
	Name       string
	EntryPoint string

	// EnabledBy names a project property; the module takes part in the
	// build only when the property is "true".
	EnabledBy string

	Dependencies []Dependency
}

// Set is an ordered set of modules and libraries.
type Set struct {
	Modules   []string
	Libraries []Coordinate
}

// Conflict records libraries requested at different versions somewhere in
// the build. The highest version is selected everywhere.
type Conflict struct {
	Library  string
	Versions []string
	Selected string
}

// Resolution is the resolved, immutable module graph.
type Resolution struct {
	graph    *dag.Graph
	modules  map[string]*Module
	disabled []string
	compile  map[string]Set
	runtime  map[string]Set

	Conflicts []Conflict
}

const graphLabel = "module graph"

// Enabled reports whether m takes part in a build with the given project
// properties.
func (m *Module) Enabled(props map[string]string) bool {
	return m.EnabledBy == "" || props[m.EnabledBy] == "true"
}

// Resolve validates the declarations and computes the compile and runtime
// sets of every enabled module. catalog may be nil when no module uses
// libraries.
func Resolve(modules []Module, catalog *Catalog, props map[string]string) (*Resolution, error) {
	declared := make(map[string]*Module, len(modules))
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			return nil, builderr.Configf(graphLabel, "module name is required")
		}
		if _, dup := declared[m.Name]; dup {
			return nil, builderr.Configf(graphLabel, "duplicate module %q", m.Name)
		}
		declared[m.Name] = m
	}

	r := &Resolution{
		modules: make(map[string]*Module),
		compile: make(map[string]Set),
		runtime: make(map[string]Set),
	}
	var names []string
	for _, m := range modules {
		if !m.Enabled(props) {
			r.disabled = append(r.disabled, m.Name)
			continue
		}
		r.modules[m.Name] = declared[m.Name]
		names = append(names, m.Name)
	}
	sort.Strings(r.disabled)

	// direct library coordinates per module and kind
	libs := make(map[string]map[EdgeKind][]Coordinate, len(names))
	var edges []dag.Edge
	seenEdge := make(map[dag.Edge]bool)
	for _, name := range names {
		m := r.modules[name]
		libs[name] = map[EdgeKind][]Coordinate{}
		for _, d := range m.Dependencies {
			if !d.Kind.Valid() {
				return nil, builderr.Configf(graphLabel, "module %s: %s: unknown dependency kind %q", name, d, d.Kind)
			}
			switch {
			case d.Module != "":
				if _, ok := declared[d.Module]; !ok {
					return nil, builderr.Configf(graphLabel, "module %s depends on unknown module %q", name, d.Module)
				}
				if _, ok := r.modules[d.Module]; !ok {
					return nil, builderr.Configf(graphLabel, "module %s depends on disabled module %q (enabled by %s)", name, d.Module, declared[d.Module].EnabledBy)
				}
				e := dag.Edge{From: d.Module, To: name}
				if !seenEdge[e] {
					seenEdge[e] = true
					edges = append(edges, e)
				}
			case d.Library != "":
				coord, ok := catalog.Library(d.Library)
				if !ok {
					return nil, builderr.Configf(graphLabel, "module %s references unknown library alias %q", name, d.Library)
				}
				libs[name][d.Kind] = append(libs[name][d.Kind], coord)
			case d.Bundle != "":
				members, ok := catalog.Bundle(d.Bundle)
				if !ok {
					return nil, builderr.Configf(graphLabel, "module %s references unknown bundle %q", name, d.Bundle)
				}
				for _, alias := range members {
					coord, _ := catalog.Library(alias)
					libs[name][d.Kind] = append(libs[name][d.Kind], coord)
				}
			default:
				return nil, builderr.Configf(graphLabel, "module %s declares an empty dependency", name)
			}
		}
	}

	g, err := dag.NewGraph(graphLabel, names, edges)
	if err != nil {
		var cyc *builderr.CyclicDependencyError
		if errors.As(err, &cyc) {
			// Edges point from dependency to dependent; report the cycle as
			// "A depends on B depends on A".
			return nil, &builderr.CyclicDependencyError{Graph: cyc.Graph, Cycle: reversed(cyc.Cycle)}
		}
		return nil, err
	}
	r.graph = g

	selected, conflicts := selectVersions(libs)
	r.Conflicts = conflicts

	position := make(map[string]int, len(names))
	for i, n := range g.TopologicalOrder() {
		position[n] = i
	}

	runtimeModules := make(map[string]map[string]bool, len(names))
	for _, name := range g.TopologicalOrder() {
		closure := map[string]bool{}
		for _, d := range r.modules[name].Dependencies {
			if d.Module == "" || d.Kind != Runtime {
				continue
			}
			closure[d.Module] = true
			for dep := range runtimeModules[d.Module] {
				closure[dep] = true
			}
		}
		runtimeModules[name] = closure

		compileModules := map[string]bool{}
		for _, d := range r.modules[name].Dependencies {
			if d.Module == "" {
				continue
			}
			compileModules[d.Module] = true
			for dep := range runtimeModules[d.Module] {
				compileModules[dep] = true
			}
		}

		runtimeOrder := ordered(closure, position)
		r.runtime[name] = Set{
			Modules:   runtimeOrder,
			Libraries: collectLibraries(name, runtimeOrder, libs, selected, Runtime),
		}
		compileOrder := ordered(compileModules, position)
		r.compile[name] = Set{
			Modules:   compileOrder,
			Libraries: compileLibraries(name, compileOrder, libs, selected),
		}
	}
	return r, nil
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func ordered(set map[string]bool, position map[string]int) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return position[out[i]] < position[out[j]] })
	return out
}

// collectLibraries gathers the libraries of kind declared by the modules in
// order and then by self, deduplicated by key.
func collectLibraries(self string, order []string, libs map[string]map[EdgeKind][]Coordinate, selected map[string]string, kinds ...EdgeKind) []Coordinate {
	seen := map[string]bool{}
	var out []Coordinate
	add := func(module string) {
		for _, kind := range kinds {
			for _, c := range sortedCoordinates(libs[module][kind]) {
				if seen[c.Key()] {
					continue
				}
				seen[c.Key()] = true
				c.Version = selected[c.Key()]
				out = append(out, c)
			}
		}
	}
	for _, m := range order {
		add(m)
	}
	add(self)
	return out
}

// compileLibraries is every runtime library reachable through the compile
// module set, followed by the module's own libraries of both kinds.
func compileLibraries(self string, order []string, libs map[string]map[EdgeKind][]Coordinate, selected map[string]string) []Coordinate {
	seen := map[string]bool{}
	var out []Coordinate
	for _, c := range collectLibraries(self, order, libs, selected, Runtime) {
		seen[c.Key()] = true
		out = append(out, c)
	}
	for _, c := range sortedCoordinates(libs[self][Compile]) {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		c.Version = selected[c.Key()]
		out = append(out, c)
	}
	return out
}

func sortedCoordinates(in []Coordinate) []Coordinate {
	out := append([]Coordinate(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// selectVersions picks the highest requested version of every library.
func selectVersions(libs map[string]map[EdgeKind][]Coordinate) (map[string]string, []Conflict) {
	requested := map[string]map[string]bool{}
	for _, byKind := range libs {
		for _, coords := range byKind {
			for _, c := range coords {
				if requested[c.Key()] == nil {
					requested[c.Key()] = map[string]bool{}
				}
				requested[c.Key()][c.Version] = true
			}
		}
	}

	selected := make(map[string]string, len(requested))
	var conflicts []Conflict
	keys := make([]string, 0, len(requested))
	for k := range requested {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		versions := make([]string, 0, len(requested[key]))
		for v := range requested[key] {
			versions = append(versions, v)
		}
		sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
		best := versions[len(versions)-1]
		selected[key] = best
		if len(versions) > 1 {
			conflicts = append(conflicts, Conflict{Library: key, Versions: versions, Selected: best})
		}
	}
	return selected, conflicts
}

// compareVersions orders semantic versions by precedence. Versions that are
// not valid semver sort below valid ones and among themselves by text.
func compareVersions(a, b string) int {
	va, vb := canonical(a), canonical(b)
	switch {
	case va != "" && vb != "":
		if c := semver.Compare(va, vb); c != 0 {
			return c
		}
	case va != "":
		return 1
	case vb != "":
		return -1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func canonical(v string) string {
	if len(v) == 0 {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// Graph returns the dependency graph of enabled modules. Edges point from a
// dependency to its dependent.
func (r *Resolution) Graph() *dag.Graph { return r.graph }

// Order returns the enabled modules leaves first.
func (r *Resolution) Order() []string { return r.graph.TopologicalOrder() }

// Disabled lists modules excluded by their enabling property.
func (r *Resolution) Disabled() []string { return append([]string(nil), r.disabled...) }

// Module returns the declaration of an enabled module.
func (r *Resolution) Module(name string) (*Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Compile returns the compile set of module name.
func (r *Resolution) Compile(name string) (Set, error) {
	s, ok := r.compile[name]
	if !ok {
		return Set{}, fmt.Errorf("module %q is not part of the build", name)
	}
	return s, nil
}

// Runtime returns the runtime set of module name.
func (r *Resolution) Runtime(name string) (Set, error) {
	s, ok := r.runtime[name]
	if !ok {
		return Set{}, fmt.Errorf("module %q is not part of the build", name)
	}
	return s, nil
}
