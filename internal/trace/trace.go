// Package trace records the logical decisions a pipeline run made for each
// node, in a canonical form that does not depend on timing or concurrency.
package trace

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// EventKind discriminates trace events. The string values are part of the
// canonical bytes; do not rename.
type EventKind string

const (
	EventNodeCached   EventKind = "NodeCached"
	EventNodeExecuted EventKind = "NodeExecuted"
	EventNodeFailed   EventKind = "NodeFailed"
	EventNodeSkipped  EventKind = "NodeSkipped"
)

// Stable reason codes.
const (
	ReasonCacheHit       = "CacheHit"
	ReasonCacheMiss      = "CacheMiss"
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonRunStopped     = "RunStopped"
	ReasonCancelled      = "Cancelled"
	ReasonActionFailed   = "ActionFailed"
)

// Event is a single logical decision about one node.
//
// Events carry no timestamps, error strings or anything derived from map
// iteration or pointer identity.
type Event struct {
	Kind   EventKind `json:"kind"`
	Node   string    `json:"node"`
	Reason string    `json:"reason,omitempty"`

	// Cause names the upstream node responsible, e.g. for a skip.
	Cause string `json:"cause,omitempty"`

	// Outputs lists the output roots the node owns.
	Outputs []string `json:"outputs,omitempty"`
}

// ExecutionTrace is the canonical record of one graph execution.
type ExecutionTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks basic invariants.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Node == "" {
			return fmt.Errorf("events[%d].node is required", i)
		}
		for j, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts outputs within each event and orders events by
// (node, kind, reason, cause, outputs). Empty output lists become nil.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outputs) == 0 {
			t.Events[i].Outputs = nil
			continue
		}
		outs := append([]string(nil), t.Events[i].Outputs...)
		sort.Strings(outs)
		t.Events[i].Outputs = outs
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return lessStrings(a.Outputs, b.Outputs)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventNodeCached:
		return 10
	case EventNodeExecuted:
		return 20
	case EventNodeFailed:
		return 30
	case EventNodeSkipped:
		return 40
	default:
		return 1000
	}
}

func lessStrings(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding of a canonicalized copy of t.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Hash returns the hex BLAKE3 digest of the canonical encoding.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
