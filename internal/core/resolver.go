package core

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InputResolver resolves declared input patterns to a deterministic InputSet.
//
// Glob expansion and directory walks are strictly sorted; the resulting
// order never depends on the order the filesystem returns entries in.
type InputResolver struct {
	// BaseDir is the working directory relative paths are resolved against.
	BaseDir string
}

// NewInputResolver creates a new InputResolver with the given base directory.
func NewInputResolver(baseDir string) *InputResolver {
	return &InputResolver{BaseDir: baseDir}
}

// Resolve expands all input patterns and returns a deterministic InputSet.
//
// The resolution process:
//  1. Each pattern is expanded using filepath.Glob
//  2. Matching directories are walked recursively
//  3. Paths are made relative to BaseDir and use forward slashes
//  4. Paths are sorted and deduplicated
//  5. File contents are read (content-based identity, not metadata)
//
// A literal path that does not exist contributes nothing. Callers that need
// an input to exist check for it before resolving.
func (r *InputResolver) Resolve(patterns []string) (*InputSet, error) {
	if len(patterns) == 0 {
		return &InputSet{Inputs: []Input{}}, nil
	}

	pathSet := make(map[string]struct{})
	for _, pattern := range patterns {
		expanded, err := r.expandPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		for _, p := range expanded {
			pathSet[p] = struct{}{}
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	inputs := make([]Input, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(r.osPath(path))
		if err != nil {
			return nil, fmt.Errorf("reading input %q: %w", path, err)
		}
		inputs = append(inputs, Input{Path: path, Content: content})
	}

	return &InputSet{Inputs: inputs}, nil
}

// expandPattern expands a single pattern into normalized file paths.
func (r *InputResolver) expandPattern(pattern string) ([]string, error) {
	fullPattern := pattern
	if !filepath.IsAbs(pattern) {
		fullPattern = filepath.Join(r.BaseDir, pattern)
	}

	matches, err := filepath.Glob(fullPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern: %w", err)
	}

	var files []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", match, err)
		}
		if !info.IsDir() {
			files = append(files, r.normalize(match))
			continue
		}
		err = filepath.WalkDir(match, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			files = append(files, r.normalize(path))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %q: %w", match, err)
		}
	}
	return files, nil
}

// normalize makes path relative to BaseDir when it lives beneath it.
func (r *InputResolver) normalize(path string) string {
	if r.BaseDir != "" {
		if rel, err := filepath.Rel(r.BaseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(path)
}

func (r *InputResolver) osPath(path string) string {
	p := filepath.FromSlash(path)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.BaseDir, p)
}
