// Package diff computes and replays structural deltas between JSON-like
// documents (map[string]any, []any and scalars).
//
// Key order inside objects is irrelevant; element order inside arrays is
// significant. A delta list produced by Compute(a, b) and replayed with Apply
// over a fresh copy of a reproduces b.
package diff

import (
	"sort"
)

type Kind string

const (
	// KindNew marks a property that exists only on the right side.
	KindNew Kind = "N"
	// KindDeleted marks a property that exists only on the left side.
	KindDeleted Kind = "D"
	// KindEdited marks a value that changed in place.
	KindEdited Kind = "E"
	// KindArray marks an element-level change inside an array; Item carries
	// the nested N or D change and Index its position.
	KindArray Kind = "A"
)

// Delta is a single change at Path. Path elements are strings for object keys
// and ints for array positions.
type Delta struct {
	Kind  Kind   `json:"kind"`
	Path  []any  `json:"path,omitempty"`
	LHS   any    `json:"lhs,omitempty"`
	RHS   any    `json:"rhs,omitempty"`
	Index int    `json:"index,omitempty"`
	Item  *Delta `json:"item,omitempty"`
}

// Key returns the top-level property the delta touches, or "" for a delta at
// the document root.
func (d Delta) Key() string {
	if len(d.Path) == 0 {
		return ""
	}
	key, _ := d.Path[0].(string)
	return key
}

// Compute returns the deltas turning lhs into rhs. Both sides are expected to
// be normalized documents.
func Compute(lhs, rhs any) []Delta {
	var out []Delta
	compute(nil, lhs, rhs, &out)
	return out
}

// Keys returns the distinct top-level properties touched by deltas, sorted.
func Keys(deltas []Delta) []string {
	seen := make(map[string]struct{}, len(deltas))
	keys := make([]string, 0, len(deltas))
	for _, d := range deltas {
		k := d.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compute(path []any, lhs, rhs any, out *[]Delta) {
	lm, lIsMap := lhs.(map[string]any)
	rm, rIsMap := rhs.(map[string]any)
	if lIsMap && rIsMap {
		computeMap(path, lm, rm, out)
		return
	}

	la, lIsArr := lhs.([]any)
	ra, rIsArr := rhs.([]any)
	if lIsArr && rIsArr {
		computeArray(path, la, ra, out)
		return
	}

	if !Equal(lhs, rhs) {
		*out = append(*out, Delta{Kind: KindEdited, Path: clonePath(path), LHS: Clone(lhs), RHS: Clone(rhs)})
	}
}

func computeMap(path []any, lhs, rhs map[string]any, out *[]Delta) {
	for _, key := range sortedKeys(lhs) {
		rv, ok := rhs[key]
		if !ok {
			*out = append(*out, Delta{Kind: KindDeleted, Path: appendPath(path, key), LHS: Clone(lhs[key])})
			continue
		}
		compute(appendPath(path, key), lhs[key], rv, out)
	}
	for _, key := range sortedKeys(rhs) {
		if _, ok := lhs[key]; ok {
			continue
		}
		*out = append(*out, Delta{Kind: KindNew, Path: appendPath(path, key), RHS: Clone(rhs[key])})
	}
}

func computeArray(path []any, lhs, rhs []any, out *[]Delta) {
	common := min(len(lhs), len(rhs))
	for i := 0; i < common; i++ {
		compute(appendPath(path, i), lhs[i], rhs[i], out)
	}
	// Removals run from the tail so earlier indices stay valid during replay.
	for i := len(lhs) - 1; i >= len(rhs); i-- {
		*out = append(*out, Delta{
			Kind:  KindArray,
			Path:  clonePath(path),
			Index: i,
			Item:  &Delta{Kind: KindDeleted, LHS: Clone(lhs[i])},
		})
	}
	for i := len(lhs); i < len(rhs); i++ {
		*out = append(*out, Delta{
			Kind:  KindArray,
			Path:  clonePath(path),
			Index: i,
			Item:  &Delta{Kind: KindNew, RHS: Clone(rhs[i])},
		})
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendPath(path []any, elem any) []any {
	next := make([]any, len(path), len(path)+1)
	copy(next, path)
	return append(next, elem)
}

func clonePath(path []any) []any {
	if len(path) == 0 {
		return nil
	}
	next := make([]any, len(path))
	copy(next, path)
	return next
}
