package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Artifact is one harvested output file. Path is relative to the harvester's
// base directory and uses forward slashes.
type Artifact struct {
	Path    string
	Content []byte
}

// OutputRoot is a declared output as found after the action ran.
type OutputRoot struct {
	Path string `cbor:"path"`
	Dir  bool   `cbor:"dir"`
}

// ArtifactSet is the sorted result of harvesting a task's declared outputs.
type ArtifactSet struct {
	Roots     []OutputRoot
	Artifacts []Artifact
}

// OutputNormalizer rewrites harvested content before it is stored.
type OutputNormalizer interface {
	Normalize(content []byte) []byte
}

// Harvester collects the files beneath a task's declared outputs.
//
// Only declared outputs are read. Nothing else in the working directory is
// inspected, so stray files written by an action never reach the cache.
type Harvester struct {
	BaseDir string

	// Normalizer, if set, is applied to every harvested file.
	Normalizer OutputNormalizer
}

func NewHarvester(baseDir string) *Harvester {
	return &Harvester{BaseDir: baseDir}
}

func NewHarvesterWithNormalizer(baseDir string, normalizer OutputNormalizer) *Harvester {
	return &Harvester{BaseDir: baseDir, Normalizer: normalizer}
}

// Harvest reads every declared output. A declared output that does not exist
// is an error: the action claimed to produce it and did not.
func (h *Harvester) Harvest(declaredOutputs []string) (*ArtifactSet, error) {
	set := &ArtifactSet{Roots: []OutputRoot{}, Artifacts: []Artifact{}}
	if len(declaredOutputs) == 0 {
		return set, nil
	}

	outputs := make([]string, len(declaredOutputs))
	copy(outputs, declaredOutputs)
	sort.Strings(outputs)

	seen := make(map[string]struct{})
	for _, output := range outputs {
		fullPath := h.absolute(output)
		info, err := os.Stat(fullPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("declared output does not exist: %s", output)
			}
			return nil, fmt.Errorf("stat output %q: %w", output, err)
		}
		set.Roots = append(set.Roots, OutputRoot{Path: h.relative(fullPath), Dir: info.IsDir()})

		var files []string
		if info.IsDir() {
			files, err = collectFiles(fullPath)
			if err != nil {
				return nil, fmt.Errorf("collecting files from %q: %w", output, err)
			}
		} else {
			files = []string{fullPath}
		}

		for _, file := range files {
			rel := h.relative(file)
			if _, dup := seen[rel]; dup {
				continue
			}
			seen[rel] = struct{}{}

			content, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("reading artifact %q: %w", rel, err)
			}
			if h.Normalizer != nil {
				content = h.Normalizer.Normalize(content)
			}
			set.Artifacts = append(set.Artifacts, Artifact{Path: rel, Content: content})
		}
	}

	sort.Slice(set.Artifacts, func(i, j int) bool { return set.Artifacts[i].Path < set.Artifacts[j].Path })
	return set, nil
}

func (h *Harvester) absolute(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) || h.BaseDir == "" {
		return p
	}
	return filepath.Join(h.BaseDir, p)
}

func (h *Harvester) relative(p string) string {
	if h.BaseDir != "" {
		if rel, err := filepath.Rel(h.BaseDir, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(p)
}

// collectFiles returns every regular file beneath dir, sorted.
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
