package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReplayResult describes what a replay changed in the workspace.
type ReplayResult struct {
	Hash TaskHash
	Log  []byte

	// ArtifactsRestored counts files that were missing or differed from the
	// cached content. Zero means the workspace already matched.
	ArtifactsRestored int
}

// Replayer restores cached outputs into the workspace.
//
// Each output root is restored as an exact tree: files are compared by
// digest, and a root is only rewritten when something is missing, differs or
// is extraneous. A directory root is rebuilt in a staging sibling and swapped
// in with PublishDir; a file root is replaced with WriteFileAtomic.
type Replayer struct {
	WorkingDir string
}

func NewReplayer(workingDir string) *Replayer {
	return &Replayer{WorkingDir: workingDir}
}

func (r *Replayer) Replay(entry *CacheEntry) (*ReplayResult, error) {
	if entry == nil {
		return nil, errors.New("cache entry is nil")
	}
	restored, err := r.RestoreArtifacts(entry.Hash.String(), entry)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{Hash: entry.Hash, Log: entry.Log, ArtifactsRestored: restored}, nil
}

// RestoreArtifacts makes every output root of entry match the cache. taskID
// is used only in error messages.
func (r *Replayer) RestoreArtifacts(taskID string, entry *CacheEntry) (int, error) {
	if r == nil {
		return 0, errors.New("replayer is nil")
	}
	if entry == nil {
		return 0, errors.New("cache entry is nil")
	}

	restored := 0
	for _, root := range entry.Roots {
		if root.Path == "" {
			return restored, fmt.Errorf("task %q: output root path is empty", taskID)
		}
		var n int
		var err error
		if root.Dir {
			n, err = r.restoreDir(root.Path, artifactsUnder(entry.Artifacts, root.Path))
		} else {
			n, err = r.restoreFile(root.Path, entry.Artifacts)
		}
		if err != nil {
			return restored, fmt.Errorf("task %q: restoring %q: %w", taskID, root.Path, err)
		}
		restored += n
	}
	return restored, nil
}

func (r *Replayer) restoreFile(rootPath string, artifacts []CachedArtifact) (int, error) {
	for _, a := range artifacts {
		if a.Path != rootPath {
			continue
		}
		target := r.target(a.Path)
		if have, ok, err := fileDigestIfExists(target); err != nil {
			return 0, err
		} else if ok && have == digestOf(a) {
			return 0, nil
		}
		if err := WriteFileAtomic(target, a.Content, 0o644); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, fmt.Errorf("no cached content for file output %q", rootPath)
}

func (r *Replayer) restoreDir(rootPath string, artifacts []CachedArtifact) (int, error) {
	target := r.target(rootPath)

	want := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		if a.Content == nil {
			return 0, fmt.Errorf("artifact %q missing content in cache entry", a.Path)
		}
		want[a.Path] = digestOf(a)
	}

	changed := 0
	extraneous := false
	existing, err := r.existingDigests(target, rootPath)
	if err != nil {
		return 0, err
	}
	for path, digest := range want {
		if existing[path] != digest {
			changed++
		}
	}
	for path := range existing {
		if _, ok := want[path]; !ok {
			extraneous = true
		}
	}
	if existing != nil && changed == 0 && !extraneous {
		return 0, nil
	}

	staging, err := StagingDir(target)
	if err != nil {
		return 0, err
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	for _, a := range artifacts {
		rel := strings.TrimPrefix(strings.TrimPrefix(a.Path, rootPath), "/")
		dest := filepath.Join(staging, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, err
		}
		if err := os.WriteFile(dest, a.Content, 0o644); err != nil {
			return 0, err
		}
	}
	if err := PublishDir(staging, target); err != nil {
		return 0, err
	}
	published = true
	return changed, nil
}

// existingDigests returns nil when target does not exist as a directory.
func (r *Replayer) existingDigests(target, rootPath string) (map[string]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}
	files, err := collectFiles(target)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(target, f)
		if err != nil {
			return nil, err
		}
		digest, _, err := fileDigestIfExists(f)
		if err != nil {
			return nil, err
		}
		out[rootPath+"/"+filepath.ToSlash(rel)] = digest
	}
	return out, nil
}

func (r *Replayer) target(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.WorkingDir, p)
}

func artifactsUnder(artifacts []CachedArtifact, root string) []CachedArtifact {
	prefix := root + "/"
	var out []CachedArtifact
	for _, a := range artifacts {
		if strings.HasPrefix(a.Path, prefix) {
			out = append(out, a)
		}
	}
	return out
}

func digestOf(a CachedArtifact) string {
	if a.Digest != "" {
		return a.Digest
	}
	return ContentDigest(a.Content)
}

func fileDigestIfExists(path string) (digest string, exists bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return ContentDigest(data), true, nil
}
