package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Action performs the work of one task kind. It must publish its declared
// outputs atomically and leave them untouched on failure. The returned bytes
// are an optional log that is cached alongside the outputs.
type Action interface {
	Perform(ctx context.Context, task *Task) ([]byte, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, task *Task) ([]byte, error)

func (f ActionFunc) Perform(ctx context.Context, task *Task) ([]byte, error) {
	return f(ctx, task)
}

// ParamNormalize set to "true" on a task harvests its outputs through the
// runner's Normalizer.
const ParamNormalize = "normalize"

// Runner performs tasks with content-addressed caching.
//
// The flow for one task:
//  1. Resolve inputs and compute the TaskHash
//  2. On a cache hit, restore the stored outputs and stop
//  3. Otherwise perform the action, harvest declared outputs and store them
//
// Failed actions are never cached: the next run performs them again.
type Runner struct {
	WorkingDir string

	// Cache may be nil, in which case every task is performed.
	Cache Cache

	Actions map[string]Action

	Resolver  *InputResolver
	Hasher    *TaskHasher
	Harvester *Harvester
	Replayer  *Replayer

	// Normalizer is applied to tasks that set ParamNormalize.
	Normalizer OutputNormalizer
}

func NewRunner(workingDir string, cache Cache) *Runner {
	return &Runner{
		WorkingDir: workingDir,
		Cache:      cache,
		Actions:    make(map[string]Action),
		Resolver:   NewInputResolver(workingDir),
		Hasher:     NewTaskHasher(),
		Harvester:  NewHarvester(workingDir),
		Replayer:   NewReplayer(workingDir),
		Normalizer: NewGeneratedSourceNormalizer(),
	}
}

// Register binds an action to a task kind, replacing any previous binding.
func (r *Runner) Register(kind string, action Action) {
	if r.Actions == nil {
		r.Actions = make(map[string]Action)
	}
	r.Actions[kind] = action
}

// Kinds returns the registered task kinds, sorted.
func (r *Runner) Kinds() []string {
	kinds := make([]string, 0, len(r.Actions))
	for k := range r.Actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// RunResult is the outcome of one Run.
type RunResult struct {
	Hash TaskHash

	// FromCache reports that the action was not performed.
	FromCache bool

	// ArtifactsRestored counts files rewritten from the cache.
	ArtifactsRestored int

	// Artifacts counts the files the task's outputs hold.
	Artifacts int

	Log []byte
}

// Fingerprint resolves the task's inputs and computes its TaskHash without
// touching the cache or the outputs.
func (r *Runner) Fingerprint(task *Task) (TaskHash, error) {
	if err := r.validateTask(task); err != nil {
		return "", err
	}
	inputSet, err := r.Resolver.Resolve(task.Inputs)
	if err != nil {
		return "", fmt.Errorf("resolving inputs: %w", err)
	}
	return r.Hasher.ComputeHash(HashInput{
		Inputs:     inputSet,
		Kind:       task.Kind,
		Params:     task.Params,
		Outputs:    task.Outputs,
		WorkingDir: r.WorkingDir,
	}), nil
}

// Lookup returns the cached entry for hash, or nil on a miss.
func (r *Runner) Lookup(hash TaskHash) (*CacheEntry, error) {
	if r.Cache == nil {
		return nil, nil
	}
	ok, err := r.Cache.Has(hash)
	if err != nil {
		return nil, fmt.Errorf("checking cache: %w", err)
	}
	if !ok {
		return nil, nil
	}
	entry, err := r.Cache.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("retrieving cache entry: %w", err)
	}
	if entry == nil {
		return nil, errors.New("cache entry disappeared")
	}
	return entry, nil
}

// Run performs task or restores it from the cache. An action failure is
// returned as the error together with a result carrying the hash.
func (r *Runner) Run(ctx context.Context, task *Task) (*RunResult, error) {
	hash, err := r.Fingerprint(task)
	if err != nil {
		return nil, err
	}

	entry, err := r.Lookup(hash)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return r.replay(task, entry)
	}
	return r.performAndCache(ctx, task, hash)
}

func (r *Runner) validateTask(task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Kind == "" {
		return fmt.Errorf("task %q: kind is required", task.Name)
	}
	if _, ok := r.Actions[task.Kind]; !ok {
		return fmt.Errorf("task %q: no action registered for kind %q", task.Name, task.Kind)
	}
	return nil
}

func (r *Runner) replay(task *Task, entry *CacheEntry) (*RunResult, error) {
	replayed, err := r.Replayer.Replay(entry)
	if err != nil {
		return nil, fmt.Errorf("replaying %s: %w", task.Name, err)
	}
	return &RunResult{
		Hash:              entry.Hash,
		FromCache:         true,
		ArtifactsRestored: replayed.ArtifactsRestored,
		Artifacts:         len(entry.Artifacts),
		Log:               replayed.Log,
	}, nil
}

func (r *Runner) performAndCache(ctx context.Context, task *Task, hash TaskHash) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return &RunResult{Hash: hash}, err
	}

	log, err := r.Actions[task.Kind].Perform(ctx, task)
	if err != nil {
		return &RunResult{Hash: hash, Log: log}, err
	}

	harvester := r.Harvester
	if task.Param(ParamNormalize) == "true" && r.Normalizer != nil {
		harvester = NewHarvesterWithNormalizer(r.WorkingDir, r.Normalizer)
	}
	set, err := harvester.Harvest(task.Outputs)
	if err != nil {
		return &RunResult{Hash: hash, Log: log}, fmt.Errorf("harvesting outputs of %s: %w", task.Name, err)
	}

	if r.Cache != nil {
		entry := &CacheEntry{
			Hash:      hash,
			Roots:     set.Roots,
			Artifacts: make([]CachedArtifact, len(set.Artifacts)),
			Log:       log,
		}
		for i, a := range set.Artifacts {
			entry.Artifacts[i] = CachedArtifact{Path: a.Path, Digest: ContentDigest(a.Content), Content: a.Content}
		}
		if err := r.Cache.Put(entry); err != nil {
			return &RunResult{Hash: hash, Log: log}, fmt.Errorf("caching %s: %w", task.Name, err)
		}
	}

	return &RunResult{
		Hash:      hash,
		Artifacts: len(set.Artifacts),
		Log:       log,
	}, nil
}
