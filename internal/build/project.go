// Package build turns a build definition into an executable task graph and
// runs it.
//
// A project is loaded in one pass: the definition, the library catalog, the
// conventions and the module graph are validated before anything executes.
// Every path a task touches is relative to the project root; build outputs
// live under build/<module>/.
package build

import (
	"maps"
	"path/filepath"
	"sort"
	"strings"

	"buildweaver/internal/builderr"
	"buildweaver/internal/codegen"
	"buildweaver/internal/convention"
	"buildweaver/internal/core"
	"buildweaver/internal/module"
)

const (
	// OutputRoot holds every build output.
	OutputRoot        = "build"
	defaultRepository = "repository"
)

// Project is a loaded and resolved build.
type Project struct {
	Root           string
	DefinitionPath string
	Definition     *Definition
	Properties     map[string]string
	Catalog        *module.Catalog
	Resolution     *module.Resolution

	modules    map[string]*ModuleDef
	settings   map[string]convention.Settings
	generators map[string]codegen.Generator
}

// Load reads the definition found in root. overrides replace the
// definition's property defaults.
func Load(root string, overrides map[string]string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: root, Msg: "resolving project root", Err: err}
	}
	path, err := FindDefinition(abs)
	if err != nil {
		return nil, err
	}
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return NewProject(abs, path, def, overrides)
}

// NewProject resolves an already decoded definition.
func NewProject(root, source string, def *Definition, overrides map[string]string) (*Project, error) {
	p := &Project{
		Root:           root,
		DefinitionPath: source,
		Definition:     def,
		Properties:     map[string]string{},
		modules:        make(map[string]*ModuleDef, len(def.Modules)),
		settings:       make(map[string]convention.Settings, len(def.Modules)),
		generators:     map[string]codegen.Generator{codegen.TargetGolang: &codegen.GoGenerator{}},
	}
	maps.Copy(p.Properties, def.Properties)
	maps.Copy(p.Properties, overrides)

	if def.Catalog != "" {
		cat, err := module.LoadCatalog(p.abs(def.Catalog))
		if err != nil {
			return nil, err
		}
		p.Catalog = cat
	}

	convs := make([]convention.Convention, 0, len(def.Conventions))
	for _, c := range def.Conventions {
		convs = append(convs, convention.Convention{Name: c.Name, Extends: c.Extends, Settings: c.Settings})
	}
	set, err := convention.NewSet(convs)
	if err != nil {
		return nil, err
	}

	mods := make([]module.Module, 0, len(def.Modules))
	for i := range def.Modules {
		md := &def.Modules[i]
		p.modules[md.Name] = md
		m := module.Module{Name: md.Name, EntryPoint: md.EntryPoint, EnabledBy: md.EnabledBy}
		for _, d := range md.Dependencies {
			kind := module.EdgeKind(d.Kind)
			if kind == "" {
				kind = module.Compile
			}
			m.Dependencies = append(m.Dependencies, module.Dependency{Module: d.Module, Library: d.Library, Bundle: d.Bundle, Kind: kind})
		}
		mods = append(mods, m)
	}
	res, err := module.Resolve(mods, p.Catalog, p.Properties)
	if err != nil {
		return nil, err
	}
	p.Resolution = res

	for _, name := range res.Order() {
		md := p.modules[name]
		s, err := set.Effective(md.Convention, md.Settings, "module "+name)
		if err != nil {
			return nil, err
		}
		p.settings[name] = s
	}

	targets := make([]string, 0, len(def.Generators))
	for t := range def.Generators {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, t := range targets {
		g := def.Generators[t]
		p.generators[t] = &codegen.ProcessGenerator{
			Target:   t,
			Command:  g.Command,
			Env:      g.Env,
			PassEnv:  g.PassEnv,
			Executor: core.NewExecutor(root),
		}
	}
	return p, nil
}

func (p *Project) abs(rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(p.Root, filepath.FromSlash(rel))
}

// Modules returns the enabled modules leaves first.
func (p *Project) Modules() []string { return p.Resolution.Order() }

// Settings returns the effective settings of an enabled module.
func (p *Project) Settings(name string) (convention.Settings, bool) {
	s, ok := p.settings[name]
	return s, ok
}

// Generator returns the generator bound to a target language.
func (p *Project) Generator(target string) (codegen.Generator, bool) {
	g, ok := p.generators[target]
	return g, ok
}

// Targets lists the target languages codecs may use.
func (p *Project) Targets() []string {
	out := make([]string, 0, len(p.generators))
	for t := range p.generators {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ModuleDir is the module's directory relative to the root.
func (p *Project) ModuleDir(name string) string {
	return filepath.ToSlash(p.modules[name].dir())
}

// OutDir is where assemble publishes a module's output.
func OutDir(module string) string { return OutputRoot + "/" + module + "/out" }

// GeneratedDir is where one codec declaration's sources are published.
func GeneratedDir(module, codec string) string {
	return OutputRoot + "/" + module + "/generated/" + codec
}

// DistDir holds a module's bundle.
func DistDir(module string) string { return OutputRoot + "/" + module + "/dist" }

// LibraryPath is the archive of a library in the local repository,
// relative to the root when the repository is.
func (p *Project) LibraryPath(c module.Coordinate) string {
	repo := p.Definition.Repository
	if repo == "" {
		repo = defaultRepository
	}
	file := c.Name + "-" + c.Version + ".jar"
	return filepath.ToSlash(filepath.Join(repo, filepath.FromSlash(strings.ReplaceAll(c.Group, ".", "/")), c.Name, c.Version, file))
}

// WatchedFiles lists the absolute schema and validation paths of every
// enabled module, sorted and deduplicated.
func (p *Project) WatchedFiles() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range p.Modules() {
		md := p.modules[name]
		for _, c := range md.Codecs {
			for _, f := range []string{c.Schema, c.Validation} {
				a := p.abs(filepath.Join(md.dir(), f))
				if !seen[a] {
					seen[a] = true
					out = append(out, a)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}
