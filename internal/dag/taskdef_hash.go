package dag

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"

	"buildweaver/internal/core"
)

// TaskDefHash is the identity of a task definition as declared, before any
// input is read. It differs from core.TaskHash, which also covers input
// content.
type TaskDefHash string

func (h TaskDefHash) String() string { return string(h) }

// computeTaskDefHash hashes the declarative fields of a task: kind, module,
// input patterns, outputs and params. Sets are sorted and every field is
// length-prefixed.
func computeTaskDefHash(t core.Task) TaskDefHash {
	h := blake3.New()
	w := fieldWriter{h: h}

	w.str(t.Kind)
	w.str(t.Module)
	w.strs(t.Inputs)
	w.strs(t.Outputs)

	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.count(len(keys))
	for _, k := range keys {
		w.str(k)
		w.str(t.Params[k])
	}

	return TaskDefHash(hex.EncodeToString(h.Sum(nil)))
}

type fieldWriter struct {
	h *blake3.Hasher
}

func (w fieldWriter) bytes(data []byte) {
	n := uint64(len(data))
	_, _ = w.h.Write([]byte{
		byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	})
	_, _ = w.h.Write(data)
}

func (w fieldWriter) str(s string) { w.bytes([]byte(s)) }

func (w fieldWriter) count(n int) {
	u := uint32(n)
	w.bytes([]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)})
}

func (w fieldWriter) strs(in []string) {
	sorted := make([]string, len(in))
	copy(sorted, in)
	sort.Strings(sorted)
	w.count(len(sorted))
	for _, s := range sorted {
		w.str(s)
	}
}
