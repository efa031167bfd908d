package core

import (
	"encoding/hex"
	"hash"
	"sort"

	"github.com/zeebo/blake3"
)

// TaskHash is the deterministic identity of a task execution.
//
// It covers the task kind, parameters, declared outputs, working directory
// identity and the path and content of every resolved input. Timestamps and
// machine-specific data are excluded.
type TaskHash string

// String returns the string representation of the TaskHash.
func (t TaskHash) String() string {
	return string(t)
}

// TaskHasher computes deterministic hashes for task executions.
type TaskHasher struct{}

// NewTaskHasher creates a new TaskHasher.
func NewTaskHasher() *TaskHasher {
	return &TaskHasher{}
}

// HashInput contains all components required for computing a TaskHash.
type HashInput struct {
	// Inputs is the resolved InputSet (already sorted by InputResolver).
	Inputs *InputSet

	// Kind is the task kind.
	Kind string

	// Params are the kind-specific parameters.
	Params map[string]string

	// Outputs is the list of declared output paths.
	Outputs []string

	// WorkingDir is the working directory identity.
	WorkingDir string
}

// ComputeHash computes a deterministic TaskHash from the given inputs.
//
// Components are written in a fixed order, each length-prefixed:
//  1. Working directory
//  2. Kind
//  3. Sorted parameters (key, value)
//  4. Sorted declared outputs
//  5. For each input (already sorted): path + content
func (h *TaskHasher) ComputeHash(input HashInput) TaskHash {
	hasher := blake3.New()

	writeField(hasher, []byte(input.WorkingDir))
	writeField(hasher, []byte(input.Kind))

	keys := make([]string, 0, len(input.Params))
	for k := range input.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(hasher, len(keys))
	for _, k := range keys {
		writeField(hasher, []byte(k))
		writeField(hasher, []byte(input.Params[k]))
	}

	outputs := make([]string, len(input.Outputs))
	copy(outputs, input.Outputs)
	sort.Strings(outputs)
	writeCount(hasher, len(outputs))
	for _, out := range outputs {
		writeField(hasher, []byte(out))
	}

	count := 0
	if input.Inputs != nil {
		count = len(input.Inputs.Inputs)
	}
	writeCount(hasher, count)
	if input.Inputs != nil {
		for _, in := range input.Inputs.Inputs {
			writeField(hasher, []byte(in.Path))
			writeField(hasher, in.Content)
		}
	}

	return TaskHash(hex.EncodeToString(hasher.Sum(nil)))
}

// ContentDigest returns the hex BLAKE3 digest of data.
func ContentDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeField writes an 8-byte big-endian length prefix followed by data.
func writeField(h hash.Hash, data []byte) {
	length := uint64(len(data))
	h.Write([]byte{
		byte(length >> 56),
		byte(length >> 48),
		byte(length >> 40),
		byte(length >> 32),
		byte(length >> 24),
		byte(length >> 16),
		byte(length >> 8),
		byte(length),
	})
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	u := uint64(n)
	writeField(h, []byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)})
}
