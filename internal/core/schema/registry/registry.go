// Package registry builds immutable name-keyed dispatch tables: access rules,
// change processors and syncable type variants are all looked up through one.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

var (
	ErrDuplicateName = errors.New("duplicate registry name")
	ErrEmptyName     = errors.New("empty registry name")
	ErrNilEntry      = errors.New("nil registry entry")
)

// Builder collects entries before Build freezes them into a Table. The first
// invalid registration is kept and reported by Build; later calls are no-ops.
type Builder[T any] struct {
	kind    string
	entries map[string]T
	order   []string
	err     error
}

func NewBuilder[T any](kind string) *Builder[T] {
	return &Builder[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

func (b *Builder[T]) Register(name string, entry T) *Builder[T] {
	if b.err != nil {
		return b
	}
	switch {
	case name == "":
		b.err = fmt.Errorf("%s: %w", b.kind, ErrEmptyName)
	case isNil(entry):
		b.err = fmt.Errorf("%s %q: %w", b.kind, name, ErrNilEntry)
	default:
		if _, exists := b.entries[name]; exists {
			b.err = fmt.Errorf("%s %q: %w", b.kind, name, ErrDuplicateName)
			return b
		}
		b.entries[name] = entry
		b.order = append(b.order, name)
	}
	return b
}

// RegisterAll registers every entry of m in name order.
func (b *Builder[T]) RegisterAll(m map[string]T) *Builder[T] {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.Register(name, m[name])
	}
	return b
}

func (b *Builder[T]) Build() (*Table[T], error) {
	if b.err != nil {
		return nil, b.err
	}
	entries := make(map[string]T, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	return &Table[T]{
		kind:    b.kind,
		entries: entries,
		names:   append([]string(nil), b.order...),
	}, nil
}

// MustBuild is Build for tables assembled from static definitions.
func (b *Builder[T]) MustBuild() *Table[T] {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

// Table is a read-only registry, safe for concurrent use.
type Table[T any] struct {
	kind    string
	entries map[string]T
	names   []string
}

func (t *Table[T]) Kind() string {
	return t.kind
}

func (t *Table[T]) Lookup(name string) (T, bool) {
	if t == nil {
		var zero T
		return zero, false
	}
	v, ok := t.entries[name]
	return v, ok
}

// Names returns registered names in registration order.
func (t *Table[T]) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.names...)
}

func (t *Table[T]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
