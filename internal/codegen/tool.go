// Package codegen turns a validated SBE message schema into codec sources.
//
// A Tool validates the request, parses and validates the schema, runs the
// generator for the requested target into a staging directory, and publishes
// the staging directory over the output directory in one rename. A failure at
// any step leaves the previous output untouched. With a cache configured,
// runs are keyed by the content of both input files and the generator
// options, and a hit replays the recorded output without running the
// generator.
package codegen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"buildweaver/internal/builderr"
	"buildweaver/internal/core"
	"buildweaver/internal/sbe"
	"buildweaver/internal/xsd"
)

const taskKind = "codegen"

// Request describes one generation run.
type Request struct {
	SchemaPath     string
	ValidationPath string
	OutputDir      string
	TargetLanguage string
	StopOnError    bool
}

// Job is what a Generator receives: the request with paths made absolute,
// the loaded schema, and the directory to write into.
type Job struct {
	Request
	Schema *sbe.Schema
	Dir    string
}

// Generator writes codec sources for a loaded schema into job.Dir.
type Generator interface {
	// Identity distinguishes generator implementations and their
	// configuration in cache keys.
	Identity() string
	Generate(ctx context.Context, job *Job) error
}

// Result reports a finished run.
type Result struct {
	// Files are the names of the generated files in OutputDir, sorted.
	Files       []string
	FromCache   bool
	Fingerprint string
}

type Tool struct {
	WorkingDir string

	// Cache is optional; without it every run invokes the generator.
	Cache  core.Cache
	Logger zerolog.Logger

	generators map[string]Generator
}

// NewTool returns a Tool with the in-process golang target registered.
func NewTool(workingDir string, cache core.Cache, logger zerolog.Logger) *Tool {
	t := &Tool{
		WorkingDir: workingDir,
		Cache:      cache,
		Logger:     logger,
		generators: make(map[string]Generator),
	}
	t.Register(TargetGolang, &GoGenerator{})
	return t
}

// Register binds a target language to a generator, replacing any previous one.
func (t *Tool) Register(target string, g Generator) {
	if t.generators == nil {
		t.generators = make(map[string]Generator)
	}
	t.generators[target] = g
}

// Targets lists the registered target languages.
func (t *Tool) Targets() []string {
	out := make([]string, 0, len(t.generators))
	for k := range t.generators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *Tool) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(t.WorkingDir, p)
}

func (t *Tool) resolve(req Request) Request {
	req.SchemaPath = t.abs(req.SchemaPath)
	req.ValidationPath = t.abs(req.ValidationPath)
	req.OutputDir = t.abs(req.OutputDir)
	return req
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// preflight checks everything that can be checked without reading the
// documents. It never touches the output directory.
func (t *Tool) preflight(req Request) (Generator, error) {
	const subject = "codec generation"
	for _, in := range []struct{ what, path string }{
		{"schema", req.SchemaPath},
		{"validation schema", req.ValidationPath},
	} {
		if in.path == "" {
			return nil, builderr.Configf(subject, "%s path is required", in.what)
		}
		info, err := os.Stat(in.path)
		if err != nil {
			return nil, &builderr.ConfigurationError{Subject: subject, Msg: fmt.Sprintf("%s %s", in.what, in.path), Err: err}
		}
		if !info.Mode().IsRegular() {
			return nil, builderr.Configf(subject, "%s %s is not a regular file", in.what, in.path)
		}
	}
	if req.OutputDir == "" {
		return nil, builderr.Configf(subject, "output directory is required")
	}
	for _, in := range []string{req.SchemaPath, req.ValidationPath} {
		if within(in, req.OutputDir) {
			return nil, builderr.Configf(subject, "output directory %s contains input %s", req.OutputDir, in)
		}
	}
	if req.TargetLanguage == "" {
		return nil, builderr.Configf(subject, "target language is required")
	}
	gen, ok := t.generators[req.TargetLanguage]
	if !ok {
		return nil, builderr.Configf(subject, "unknown target language %q (known: %s)", req.TargetLanguage, strings.Join(t.Targets(), ", "))
	}
	return gen, nil
}

// Generate runs req, replaying cached output when the inputs and options are
// unchanged since a recorded run.
func (t *Tool) Generate(ctx context.Context, req Request) (*Result, error) {
	req = t.resolve(req)
	gen, err := t.preflight(req)
	if err != nil {
		return nil, err
	}
	log := t.Logger.With().Str("schema", req.SchemaPath).Str("target", req.TargetLanguage).Logger()

	if t.Cache == nil {
		if err := t.produce(ctx, req, gen); err != nil {
			return nil, err
		}
		files, err := generatedFiles(req.OutputDir)
		if err != nil {
			return nil, err
		}
		log.Debug().Int("files", len(files)).Msg("codecs generated")
		return &Result{Files: files}, nil
	}

	runner := core.NewRunner(t.WorkingDir, t.Cache)
	runner.Register(taskKind, core.ActionFunc(func(ctx context.Context, _ *core.Task) ([]byte, error) {
		return nil, t.produce(ctx, req, gen)
	}))
	rr, err := runner.Run(ctx, t.task(req, gen))
	if err != nil {
		return nil, err
	}
	files, err := generatedFiles(req.OutputDir)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Bool("cached", rr.FromCache).
		Int("restored", rr.ArtifactsRestored).
		Int("files", len(files)).
		Msg("codecs generated")
	return &Result{Files: files, FromCache: rr.FromCache, Fingerprint: string(rr.Hash)}, nil
}

// Fingerprint returns the cache key req would run under.
func (t *Tool) Fingerprint(req Request) (string, error) {
	req = t.resolve(req)
	gen, err := t.preflight(req)
	if err != nil {
		return "", err
	}
	runner := core.NewRunner(t.WorkingDir, nil)
	runner.Register(taskKind, core.ActionFunc(func(context.Context, *core.Task) ([]byte, error) { return nil, nil }))
	h, err := runner.Fingerprint(t.task(req, gen))
	return string(h), err
}

func (t *Tool) task(req Request, gen Generator) *core.Task {
	return &core.Task{
		Name:    "codegen " + req.SchemaPath,
		Kind:    taskKind,
		Inputs:  []string{req.SchemaPath, req.ValidationPath},
		Outputs: []string{req.OutputDir},
		Params: map[string]string{
			"target":        req.TargetLanguage,
			"stop_on_error": strconv.FormatBool(req.StopOnError),
			"generator":     gen.Identity(),
		},
	}
}

// Load parses and validates the schema of req without generating anything.
func (t *Tool) Load(req Request) (*sbe.Schema, error) {
	req = t.resolve(req)
	validation, err := xsd.Load(req.ValidationPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(req.SchemaPath)
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: "codec generation", Msg: "reading schema", Err: err}
	}
	doc, err := xsd.Parse(req.SchemaPath, data)
	if err != nil {
		return nil, err
	}
	if err := validation.Validate(req.SchemaPath, doc, req.StopOnError); err != nil {
		return nil, err
	}
	return sbe.Load(req.SchemaPath, doc, req.StopOnError)
}

func (t *Tool) produce(ctx context.Context, req Request, gen Generator) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	schema, err := t.Load(req)
	if err != nil {
		return err
	}

	staging, err := core.StagingDir(req.OutputDir)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := gen.Generate(ctx, &Job{Request: req, Schema: schema, Dir: staging}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return core.PublishDir(staging, req.OutputDir)
}
