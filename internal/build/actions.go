package build

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"buildweaver/internal/builderr"
	"buildweaver/internal/codegen"
	"buildweaver/internal/core"
	"buildweaver/internal/observability"
	"buildweaver/internal/packaging"
)

// actions perform the nodes of one plan.
type actions struct {
	project  *Project
	plan     *Plan
	logger   zerolog.Logger
	packager *packaging.Packager
	metrics  *observability.Metrics
}

func (a *actions) register(r *core.Runner) {
	r.Register(KindGenerate, core.ActionFunc(a.generate))
	r.Register(KindAssemble, core.ActionFunc(a.assemble))
	r.Register(KindPackage, core.ActionFunc(a.pack))
}

// generate runs the codec generator for one declaration. The outer runner
// caches the node, so the tool runs uncached.
func (a *actions) generate(ctx context.Context, task *core.Task) ([]byte, error) {
	job, ok := a.plan.codecs[task.Name]
	if !ok {
		return nil, fmt.Errorf("no codec declaration for %s", task.Name)
	}
	tool := codegen.NewTool(a.project.Root, nil, a.logger.With().Str("node", task.Name).Logger())
	tool.Register(job.request.TargetLanguage, job.generator)
	res, err := tool.Generate(ctx, job.request)
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.GeneratedFiles.WithLabelValues(job.module).Add(float64(len(res.Files)))
	}
	var b strings.Builder
	for _, f := range res.Files {
		fmt.Fprintf(&b, "generated %s/%s\n", job.request.OutputDir, f)
	}
	return []byte(b.String()), nil
}

// assemble stages the module's sources and generated codecs into one
// directory and publishes it whole.
func (a *actions) assemble(ctx context.Context, task *core.Task) (log []byte, err error) {
	job, ok := a.plan.assembles[task.Name]
	if !ok {
		return nil, fmt.Errorf("no assembly for %s", task.Name)
	}
	for _, lib := range job.libraries {
		if _, err := os.Stat(a.project.abs(lib)); err != nil {
			return nil, &builderr.ConfigurationError{Subject: "module " + job.module, Msg: "compile library missing from repository", Err: err}
		}
	}

	target := a.project.abs(job.out)
	staging, err := core.StagingDir(target)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	owner := map[string]string{}
	for _, src := range job.sources {
		if err := copyTree(ctx, a.project.abs(src), staging, src, owner, true); err != nil {
			return nil, err
		}
	}
	for _, gen := range job.generated {
		if err := copyTree(ctx, a.project.abs(gen), staging, gen, owner, false); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := core.PublishDir(staging, target); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("assembled %d files into %s\n", len(owner), job.out)), nil
}

// copyTree copies the regular files below src into dst. A missing src is
// skipped when optional. owner tracks which source provided each path.
func copyTree(ctx context.Context, src, dst, name string, owner map[string]string, optional bool) error {
	info, err := os.Stat(src)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", name)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if first, dup := owner[key]; dup {
			return &builderr.CollisionError{Path: key, First: first, Second: name}
		}
		owner[key] = name
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		return os.WriteFile(out, data, 0o644)
	})
}

// pack writes the module's bundle.
func (a *actions) pack(ctx context.Context, task *core.Task) ([]byte, error) {
	req, ok := a.plan.packages[task.Name]
	if !ok {
		return nil, fmt.Errorf("no packaging request for %s", task.Name)
	}
	sources := make([]packaging.Source, len(req.Sources))
	for i, s := range req.Sources {
		sources[i] = packaging.Source{Name: s.Name, Path: a.project.abs(s.Path)}
	}
	req.Sources = sources
	req.OutputDir = a.project.abs(req.OutputDir)

	res, err := a.packager.Package(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.BundleEntries.WithLabelValues(req.Module).Set(float64(res.Entries))
	}
	rel, err := filepath.Rel(a.project.Root, res.Path)
	if err != nil {
		rel = res.Path
	}
	var b strings.Builder
	fmt.Fprintf(&b, "bundle %s blake3:%s entries=%d\n", filepath.ToSlash(rel), res.Digest, res.Entries)
	for _, d := range res.Excluded {
		fmt.Fprintf(&b, "excluded %s from %s (kept %s)\n", d.Path, d.Dropped, d.Kept)
	}
	return []byte(b.String()), nil
}
