package dag

import (
	"context"
	"errors"

	"buildweaver/internal/core"
)

// CacheAwareRunner adapts core.Runner to the executor.
//
// Probe restores a node from the cache without performing its action; Run
// performs it (and stores the result) on a miss.
type CacheAwareRunner struct {
	Runner *core.Runner
}

func NewCacheAwareRunner(r *core.Runner) (*CacheAwareRunner, error) {
	if r == nil {
		return nil, errors.New("nil core runner")
	}
	return &CacheAwareRunner{Runner: r}, nil
}

func (r *CacheAwareRunner) Probe(ctx context.Context, task core.Task) (*NodeResult, bool, error) {
	if r == nil || r.Runner == nil {
		return nil, false, errors.New("nil core runner")
	}
	hash, err := r.Runner.Fingerprint(&task)
	if err != nil {
		return nil, false, err
	}
	entry, err := r.Runner.Lookup(hash)
	if err != nil || entry == nil {
		return nil, false, err
	}
	replayed, err := r.Runner.Replayer.Replay(entry)
	if err != nil {
		return nil, false, err
	}
	return &NodeResult{
		Hash:              hash,
		FromCache:         true,
		ArtifactsRestored: replayed.ArtifactsRestored,
		Artifacts:         len(entry.Artifacts),
		Log:               replayed.Log,
	}, true, nil
}

func (r *CacheAwareRunner) Run(ctx context.Context, task core.Task) (*NodeResult, error) {
	res, err := r.Runner.Run(ctx, &task)
	if res == nil {
		return nil, err
	}
	return &NodeResult{
		Hash:              res.Hash,
		FromCache:         res.FromCache,
		ArtifactsRestored: res.ArtifactsRestored,
		Artifacts:         res.Artifacts,
		Log:               res.Log,
	}, err
}
