package diff

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidPath  = errors.New("invalid delta path")
	ErrInvalidDelta = errors.New("invalid delta")
)

// Apply replays deltas over doc in order, mutating it in place. Nested arrays
// may be reallocated; their parents are updated accordingly.
func Apply(doc map[string]any, deltas []Delta) error {
	for i, d := range deltas {
		if len(d.Path) == 0 && d.Kind != KindArray {
			return fmt.Errorf("%w: delta %d has an empty path", ErrInvalidPath, i)
		}
		if _, err := applyAt(doc, d.Path, d); err != nil {
			return fmt.Errorf("apply delta %d (%s %v): %w", i, d.Kind, d.Path, err)
		}
	}
	return nil
}

// applyAt walks path from node and applies d at its end. It returns the node
// that should replace the visited one in its parent.
func applyAt(node any, path []any, d Delta) (any, error) {
	if d.Kind == KindArray && len(path) == 0 {
		return applyArray(node, d)
	}

	switch len(path) {
	case 0:
		return nil, ErrInvalidPath
	case 1:
		return applyLeaf(node, path[0], d)
	}

	switch n := node.(type) {
	case map[string]any:
		key, ok := path[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected key, got %T", ErrInvalidPath, path[0])
		}
		child, exists := n[key]
		if !exists || child == nil {
			child = containerFor(path[1])
		}
		next, err := applyAt(child, path[1:], d)
		if err != nil {
			return nil, err
		}
		n[key] = next
		return n, nil
	case []any:
		idx, err := index(path[0], len(n))
		if err != nil {
			return nil, err
		}
		next, err := applyAt(n[idx], path[1:], d)
		if err != nil {
			return nil, err
		}
		n[idx] = next
		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T", ErrInvalidPath, node)
	}
}

func applyLeaf(node any, elem any, d Delta) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		key, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected key, got %T", ErrInvalidPath, elem)
		}
		switch d.Kind {
		case KindNew, KindEdited:
			n[key] = Clone(d.RHS)
		case KindDeleted:
			delete(n, key)
		case KindArray:
			child := n[key]
			if child == nil {
				child = []any{}
			}
			next, err := applyArray(child, d)
			if err != nil {
				return nil, err
			}
			n[key] = next
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDelta, d.Kind)
		}
		return n, nil
	case []any:
		idx, err := index(elem, len(n))
		if err != nil {
			return nil, err
		}
		switch d.Kind {
		case KindNew, KindEdited:
			n[idx] = Clone(d.RHS)
		case KindArray:
			next, err := applyArray(n[idx], d)
			if err != nil {
				return nil, err
			}
			n[idx] = next
		default:
			return nil, fmt.Errorf("%w: %q inside an array element", ErrInvalidDelta, d.Kind)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T", ErrInvalidPath, node)
	}
}

func applyArray(node any, d Delta) (any, error) {
	arr, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: array change on %T", ErrInvalidDelta, node)
	}
	if d.Item == nil {
		return nil, fmt.Errorf("%w: array change without item", ErrInvalidDelta)
	}
	if d.Index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", ErrInvalidPath, d.Index)
	}

	switch d.Item.Kind {
	case KindNew, KindEdited:
		for len(arr) <= d.Index {
			arr = append(arr, nil)
		}
		arr[d.Index] = Clone(d.Item.RHS)
		return arr, nil
	case KindDeleted:
		if d.Index >= len(arr) {
			return nil, fmt.Errorf("%w: index %d out of range %d", ErrInvalidPath, d.Index, len(arr))
		}
		return append(arr[:d.Index], arr[d.Index+1:]...), nil
	default:
		return nil, fmt.Errorf("%w: array item kind %q", ErrInvalidDelta, d.Item.Kind)
	}
}

// index accepts int-like path elements, including float64 values produced by
// JSON decoding.
func index(elem any, length int) (int, error) {
	var idx int
	switch v := elem.(type) {
	case int:
		idx = v
	case int64:
		idx = int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: fractional index %v", ErrInvalidPath, v)
		}
		idx = int(v)
	default:
		return 0, fmt.Errorf("%w: expected index, got %T", ErrInvalidPath, elem)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("%w: index %d out of range %d", ErrInvalidPath, idx, length)
	}
	return idx, nil
}

func containerFor(next any) any {
	if _, ok := next.(string); ok {
		return map[string]any{}
	}
	return []any{}
}
