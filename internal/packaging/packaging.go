// Package packaging assembles a module and its runtime closure into one
// self-launchable zip bundle.
//
// Sources are merged in the order given: the module's own output first, then
// its runtime dependencies in resolution order. When two sources provide the
// same entry path the duplicate policy decides; it has no default. The
// generated manifest is always the first entry and inputs cannot replace it.
// Bundles are reproducible: entry timestamps are fixed and entry order
// follows source order.
package packaging

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"buildweaver/internal/builderr"
)

// Policy resolves two sources providing the same entry path.
type Policy string

const (
	// Exclude keeps the first occurrence and drops later ones.
	Exclude Policy = "exclude"
	// Fail aborts packaging with a CollisionError.
	Fail Policy = "fail"
)

// DefaultMainAttribute names the entry point in the manifest.
const DefaultMainAttribute = "Main-Class"

// entryTime is stamped on every entry.
var entryTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Source is one input tree: a directory or a zip archive.
type Source struct {
	// Name identifies the source in collision reports.
	Name string
	Path string
}

type Request struct {
	Module        string
	Version       string
	Classifier    string
	EntryPoint    string
	MainAttribute string
	Manifest      map[string]string
	Duplicates    Policy
	Sources       []Source
	OutputDir     string
}

// Duplicate records an entry dropped under the exclude policy.
type Duplicate struct {
	Path    string
	Kept    string
	Dropped string
}

type Result struct {
	Path     string
	Digest   string
	Entries  int
	Excluded []Duplicate
}

// BundleName returns "<module>-<version>-<classifier>.zip", leaving out
// empty parts.
func BundleName(module, version, classifier string) string {
	parts := []string{module}
	if version != "" {
		parts = append(parts, version)
	}
	if classifier != "" {
		parts = append(parts, classifier)
	}
	return strings.Join(parts, "-") + ".zip"
}

type entry struct {
	name   string
	source string
	data   []byte
}

// Packager writes bundles.
type Packager struct {
	Logger zerolog.Logger

	// ScanLimit bounds how many sources are read concurrently.
	ScanLimit int
}

func New(logger zerolog.Logger) *Packager {
	return &Packager{Logger: logger, ScanLimit: runtime.GOMAXPROCS(0)}
}

func validate(req *Request) error {
	subject := "package " + req.Module
	if req.Module == "" {
		return builderr.Configf("package", "module is required")
	}
	if req.EntryPoint == "" {
		return &builderr.MissingEntryPointError{Module: req.Module}
	}
	switch req.Duplicates {
	case Exclude, Fail:
	case "":
		return builderr.Configf(subject, "duplicate policy is required (exclude or fail)")
	default:
		return builderr.Configf(subject, "unknown duplicate policy %q", req.Duplicates)
	}
	if req.OutputDir == "" {
		return builderr.Configf(subject, "output directory is required")
	}
	if len(req.Sources) == 0 {
		return builderr.Configf(subject, "no sources to package")
	}
	return nil
}

// Package writes the bundle for req. The bundle appears under its final
// name only once complete.
func (p *Packager) Package(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	if req.MainAttribute == "" {
		req.MainAttribute = DefaultMainAttribute
	}

	scanned := make([][]entry, len(req.Sources))
	g, gctx := errgroup.WithContext(ctx)
	if p.ScanLimit > 0 {
		g.SetLimit(p.ScanLimit)
	}
	for i, src := range req.Sources {
		i, src := i, src
		g.Go(func() error {
			entries, err := scan(gctx, src)
			if err != nil {
				return fmt.Errorf("reading %s: %w", src.Name, err)
			}
			scanned[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	owner := map[string]string{ManifestPath: "manifest"}
	var merged []entry
	for _, entries := range scanned {
		for _, e := range entries {
			if e.name == ManifestPath {
				continue
			}
			if first, dup := owner[e.name]; dup {
				// An archive may repeat a name; its first copy stands.
				if first == e.source {
					continue
				}
				if req.Duplicates == Fail {
					return nil, &builderr.CollisionError{Path: e.name, First: first, Second: e.source}
				}
				res.Excluded = append(res.Excluded, Duplicate{Path: e.name, Kept: first, Dropped: e.source})
				continue
			}
			owner[e.name] = e.source
			merged = append(merged, e)
		}
	}

	manifest := renderManifest(req.MainAttribute, req.EntryPoint, req.Manifest)
	merged = append([]entry{{name: ManifestPath, source: "manifest", data: manifest}}, merged...)

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", req.OutputDir, err)
	}
	target := filepath.Join(req.OutputDir, BundleName(req.Module, req.Version, req.Classifier))
	digest, err := writeBundle(ctx, target, merged)
	if err != nil {
		return nil, err
	}

	res.Path = target
	res.Digest = digest
	res.Entries = len(merged)
	p.Logger.Debug().
		Str("module", req.Module).
		Str("bundle", target).
		Int("entries", res.Entries).
		Int("excluded", len(res.Excluded)).
		Msg("bundle written")
	return res, nil
}

func scan(ctx context.Context, src Source) ([]entry, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return scanDir(ctx, src)
	}
	return scanArchive(ctx, src)
}

// scanDir lists regular files in lexical path order.
func scanDir(ctx context.Context, src Source) ([]entry, error) {
	var out []entry
	err := filepath.WalkDir(src.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src.Path, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, entry{name: filepath.ToSlash(rel), source: src.Name, data: data})
		return nil
	})
	return out, err
}

// scanArchive lists the file entries of a zip archive in archive order.
func scanArchive(ctx context.Context, src Source) ([]entry, error) {
	r, err := zip.OpenReader(src.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []entry
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := strings.TrimPrefix(f.Name, "/")
		if name == "" || slices.Contains(strings.Split(name, "/"), "..") {
			return nil, fmt.Errorf("unsafe entry name %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", f.Name, err)
		}
		out = append(out, entry{name: name, source: src.Name, data: data})
	}
	return out, nil
}

// writeBundle writes entries to a temp file next to target, then renames it
// into place. It returns the BLAKE3 digest of the bundle.
func writeBundle(ctx context.Context, target string, entries []entry) (digest string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := blake3.New()
	zw := zip.NewWriter(io.MultiWriter(tmp, h))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: entryTime}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(e.data); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entries lists the entry names of a bundle in archive order.
func Entries(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0, len(r.File))
	for _, f := range r.File {
		out = append(out, f.Name)
	}
	return out, nil
}

// ReadEntry returns the content of one bundle entry.
func ReadEntry(path, name string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s: no entry %s", path, name)
}
