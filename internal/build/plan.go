package build

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
	"buildweaver/internal/codegen"
	"buildweaver/internal/convention"
	"buildweaver/internal/core"
	"buildweaver/internal/dag"
	"buildweaver/internal/module"
	"buildweaver/internal/packaging"
)

// Task kinds.
const (
	KindGenerate = "generate"
	KindAssemble = "assemble"
	KindPackage  = "package"
)

const planSubject = "build plan"

// PlanOptions select part of the build.
type PlanOptions struct {
	// Modules restricts the plan to what these modules need. Empty means
	// every enabled module.
	Modules []string

	// GenerateOnly plans codec generation alone.
	GenerateOnly bool
}

// Plan is an executable task graph plus what each node's action needs.
type Plan struct {
	Graph *dag.TaskGraph

	codecs    map[string]codecJob
	assembles map[string]assembleJob
	packages  map[string]packaging.Request
}

type codecJob struct {
	module    string
	request   codegen.Request
	generator codegen.Generator
}

type assembleJob struct {
	module    string
	sources   []string
	generated []string
	libraries []string
	out       string
}

// GenerateNode names the node of one codec declaration. Modules with more
// than one declaration get the codec name as a suffix.
func GenerateNode(module, codec string, several bool) string {
	if several {
		return KindGenerate + ":" + module + ":" + codec
	}
	return KindGenerate + ":" + module
}

func AssembleNode(module string) string { return KindAssemble + ":" + module }
func PackageNode(module string) string  { return KindPackage + ":" + module }

// Plan builds the task graph. Every codec input must exist; outputs of two
// nodes never overlap.
func (p *Project) Plan(opts PlanOptions) (*Plan, error) {
	plan := &Plan{
		codecs:    map[string]codecJob{},
		assembles: map[string]assembleJob{},
		packages:  map[string]packaging.Request{},
	}
	var tasks []core.Task
	var edges []dag.Edge
	targets := map[string][]string{}

	for _, name := range p.Modules() {
		md := p.modules[name]
		settings := p.settings[name]
		var genNodes, genDirs []string

		seenCodec := map[string]bool{}
		for _, c := range md.Codecs {
			codec := c.name()
			if seenCodec[codec] {
				return nil, builderr.Configf(planSubject, "module %s declares codec %q twice", name, codec)
			}
			seenCodec[codec] = true

			t, job, err := p.generateTask(name, md, c, len(md.Codecs) > 1)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
			plan.codecs[t.Name] = job
			genNodes = append(genNodes, t.Name)
			genDirs = append(genDirs, t.Outputs...)
		}
		if opts.GenerateOnly {
			targets[name] = genNodes
			continue
		}

		compile, err := p.Resolution.Compile(name)
		if err != nil {
			return nil, err
		}
		at, aj := p.assembleTask(name, md, settings, compile, genDirs)
		tasks = append(tasks, at)
		plan.assembles[at.Name] = aj
		for _, g := range genNodes {
			edges = append(edges, dag.Edge{From: g, To: at.Name})
		}
		for _, d := range md.Dependencies {
			if d.Module != "" {
				edges = append(edges, dag.Edge{From: AssembleNode(d.Module), To: at.Name})
			}
		}
		targets[name] = []string{at.Name}

		if !md.packaged() {
			continue
		}
		runtime, err := p.Resolution.Runtime(name)
		if err != nil {
			return nil, err
		}
		pt, req := p.packageTask(name, md, settings, runtime)
		tasks = append(tasks, pt)
		plan.packages[pt.Name] = req
		edges = append(edges, dag.Edge{From: at.Name, To: pt.Name})
		for _, r := range runtime.Modules {
			edges = append(edges, dag.Edge{From: AssembleNode(r), To: pt.Name})
		}
		targets[name] = []string{pt.Name}
	}

	if len(tasks) == 0 {
		return nil, builderr.Configf(planSubject, "nothing to do: no module declares codecs")
	}
	if err := checkOutputs(tasks); err != nil {
		return nil, err
	}
	edges = dedupeEdges(edges)

	g, err := dag.NewTaskGraph(tasks, edges)
	if err != nil {
		return nil, err
	}
	if len(opts.Modules) > 0 {
		g, err = p.restrict(g, tasks, edges, targets, opts.Modules)
		if err != nil {
			return nil, err
		}
	}
	plan.Graph = g
	return plan, nil
}

func (p *Project) generateTask(name string, md *ModuleDef, c CodecDef, several bool) (core.Task, codecJob, error) {
	codec := c.name()
	target := c.Target
	if target == "" {
		target = codegen.TargetGolang
	}
	gen, ok := p.generators[target]
	if !ok {
		return core.Task{}, codecJob{}, builderr.Configf(planSubject, "module %s: codec %s: unknown target language %q (known: %s)",
			name, codec, target, strings.Join(p.Targets(), ", "))
	}
	schema := filepath.ToSlash(filepath.Join(md.dir(), c.Schema))
	validation := filepath.ToSlash(filepath.Join(md.dir(), c.Validation))
	for _, in := range []struct{ what, path string }{{"schema", schema}, {"validation schema", validation}} {
		info, err := os.Stat(p.abs(in.path))
		if err != nil {
			return core.Task{}, codecJob{}, &builderr.ConfigurationError{Subject: "module " + name, Msg: "codec " + codec + ": " + in.what + " " + in.path, Err: err}
		}
		if !info.Mode().IsRegular() {
			return core.Task{}, codecJob{}, builderr.Configf("module "+name, "codec %s: %s %s is not a regular file", codec, in.what, in.path)
		}
	}

	out := GeneratedDir(name, codec)
	req := codegen.Request{
		SchemaPath:     schema,
		ValidationPath: validation,
		OutputDir:      out,
		TargetLanguage: target,
		StopOnError:    c.stopOnError(),
	}
	t := core.Task{
		Name:    GenerateNode(name, codec, several),
		Kind:    KindGenerate,
		Module:  name,
		Inputs:  []string{schema, validation},
		Outputs: []string{out},
		Params: map[string]string{
			"target":        target,
			"stop_on_error": strconv.FormatBool(req.StopOnError),
			"generator":     gen.Identity(),
		},
	}
	if _, external := gen.(*codegen.ProcessGenerator); external {
		t.Params[core.ParamNormalize] = "true"
	}
	return t, codecJob{module: name, request: req, generator: gen}, nil
}

func (p *Project) assembleTask(name string, md *ModuleDef, settings convention.Settings, compile module.Set, genDirs []string) (core.Task, assembleJob) {
	job := assembleJob{module: name, generated: genDirs, out: OutDir(name)}
	for _, s := range md.sources() {
		job.sources = append(job.sources, filepath.ToSlash(filepath.Join(md.dir(), s)))
	}

	inputs := append(append([]string(nil), job.sources...), genDirs...)
	for _, m := range compile.Modules {
		inputs = append(inputs, OutDir(m))
	}
	var classpath []string
	for _, c := range compile.Libraries {
		lib := p.LibraryPath(c)
		job.libraries = append(job.libraries, lib)
		inputs = append(inputs, lib)
		classpath = append(classpath, c.String())
	}

	params := map[string]string{
		"compile.modules":   strings.Join(compile.Modules, ","),
		"compile.libraries": strings.Join(classpath, ","),
	}
	for _, k := range settings.Keys() {
		params["setting."+k] = settings[k]
	}
	return core.Task{
		Name:    AssembleNode(name),
		Kind:    KindAssemble,
		Module:  name,
		Inputs:  inputs,
		Outputs: []string{job.out},
		Params:  params,
	}, job
}

func (p *Project) packageTask(name string, md *ModuleDef, settings convention.Settings, runtime module.Set) (core.Task, packaging.Request) {
	req := packaging.Request{
		Module:        name,
		Version:       p.Definition.Version,
		Classifier:    settings.Get(convention.PackagingClassifier),
		EntryPoint:    md.EntryPoint,
		MainAttribute: settings.Get(convention.PackagingMainAttribute),
		Manifest:      settings.Manifest(),
		Duplicates:    packaging.Policy(settings.Get(convention.PackagingDuplicates)),
		OutputDir:     DistDir(name),
	}
	req.Sources = append(req.Sources, packaging.Source{Name: "module " + name, Path: OutDir(name)})
	for _, m := range runtime.Modules {
		req.Sources = append(req.Sources, packaging.Source{Name: "module " + m, Path: OutDir(m)})
	}
	for _, c := range runtime.Libraries {
		req.Sources = append(req.Sources, packaging.Source{Name: c.String(), Path: p.LibraryPath(c)})
	}

	inputs := make([]string, 0, len(req.Sources))
	order := make([]string, 0, len(req.Sources))
	for _, s := range req.Sources {
		inputs = append(inputs, s.Path)
		order = append(order, s.Name)
	}
	params := map[string]string{
		"version":        req.Version,
		"classifier":     req.Classifier,
		"entry_point":    req.EntryPoint,
		"main_attribute": req.MainAttribute,
		"duplicates":     string(req.Duplicates),
		"sources":        strings.Join(order, ","),
	}
	for k, v := range req.Manifest {
		params["manifest."+k] = v
	}
	return core.Task{
		Name:    PackageNode(name),
		Kind:    KindPackage,
		Module:  name,
		Inputs:  inputs,
		Outputs: []string{req.OutputDir + "/" + packaging.BundleName(name, req.Version, req.Classifier)},
		Params:  params,
	}, req
}

// checkOutputs rejects two nodes whose outputs are equal or nested.
func checkOutputs(tasks []core.Task) error {
	type owned struct{ path, node string }
	var all []owned
	for _, t := range tasks {
		for _, o := range t.Outputs {
			all = append(all, owned{path: filepath.ToSlash(filepath.Clean(o)), node: t.Name})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].path < all[j].path })
	for i := 1; i < len(all); i++ {
		cur := all[i]
		for _, prev := range all[:i] {
			if cur.path == prev.path || strings.HasPrefix(cur.path, prev.path+"/") {
				return builderr.Configf(planSubject, "output %s of %s overlaps output %s of %s", cur.path, cur.node, prev.path, prev.node)
			}
		}
	}
	return nil
}

func dedupeEdges(edges []dag.Edge) []dag.Edge {
	seen := make(map[dag.Edge]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// restrict keeps the target nodes of the selected modules and everything
// they depend on.
func (p *Project) restrict(g *dag.TaskGraph, tasks []core.Task, edges []dag.Edge, targets map[string][]string, modules []string) (*dag.TaskGraph, error) {
	keep := map[string]bool{}
	for _, m := range modules {
		nodes, ok := targets[m]
		if !ok {
			if _, declared := p.modules[m]; declared {
				return nil, builderr.Configf(planSubject, "module %s is disabled", m)
			}
			return nil, builderr.Configf(planSubject, "unknown module %q", m)
		}
		for _, n := range nodes {
			keep[n] = true
			for _, a := range g.Ancestors(n) {
				keep[a] = true
			}
		}
	}
	var kt []core.Task
	for _, t := range tasks {
		if keep[t.Name] {
			kt = append(kt, t)
		}
	}
	if len(kt) == 0 {
		return nil, builderr.Configf(planSubject, "nothing to do for modules %s", strings.Join(modules, ", "))
	}
	var ke []dag.Edge
	for _, e := range edges {
		if keep[e.From] && keep[e.To] {
			ke = append(ke, e)
		}
	}
	return dag.NewTaskGraph(kt, ke)
}

// String renders the plan one node per line with its dependencies.
func (pl *Plan) String() string {
	var b strings.Builder
	for _, name := range pl.Graph.TopologicalOrder() {
		fmt.Fprintf(&b, "%s", name)
		if preds := pl.Graph.Predecessors(name); len(preds) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(preds, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
