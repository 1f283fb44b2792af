package syncable

import (
	"fmt"
	"strings"
)

type Right string

const (
	RightRead  Right = "read"
	RightWrite Right = "write"
	RightFull  Right = "full"
)

// AllRights lists the rights in evaluation order.
var AllRights = []Right{RightRead, RightWrite, RightFull}

func (r Right) bit() RightSet {
	switch r {
	case RightRead:
		return 1 << 0
	case RightWrite:
		return 1 << 1
	case RightFull:
		return 1 << 2
	default:
		return 0
	}
}

// RightSet is a set of rights.
type RightSet uint8

func Rights(rights ...Right) RightSet {
	var s RightSet
	for _, r := range rights {
		s |= r.bit()
	}
	return s
}

// AllRightSet grants read, write and full.
const AllRightSet RightSet = 1<<0 | 1<<1 | 1<<2

func (s RightSet) Has(r Right) bool {
	return r.bit() != 0 && s&r.bit() != 0
}

// Contains reports whether every right of other is in s.
func (s RightSet) Contains(other RightSet) bool {
	return s&other == other
}

func (s RightSet) With(r Right) RightSet {
	return s | r.bit()
}

func (s RightSet) Without(r Right) RightSet {
	return s &^ r.bit()
}

func (s RightSet) List() []Right {
	out := make([]Right, 0, len(AllRights))
	for _, r := range AllRights {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RightSet) String() string {
	list := s.List()
	parts := make([]string, len(list))
	for i, r := range list {
		parts[i] = string(r)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type EntryType string

const (
	Allow EntryType = "allow"
	Deny  EntryType = "deny"
)

// AccessControlEntry grants or denies Rights to every context for which the
// rule named by Rule matches.
type AccessControlEntry struct {
	Name     string         `json:"name"`
	Rule     string         `json:"rule"`
	Type     EntryType      `json:"type"`
	Explicit bool           `json:"explicit,omitempty"`
	Rights   []Right        `json:"rights"`
	Options  map[string]any `json:"options,omitempty"`
}

// Priority orders entries during evaluation; higher wins.
func (e AccessControlEntry) Priority() int {
	p := 0
	if e.Explicit {
		p |= 1 << 3
	}
	if e.Type == Deny {
		p |= 2
	}
	return p
}

func (e AccessControlEntry) RightSet() RightSet {
	return Rights(e.Rights...)
}

func (e AccessControlEntry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("access control entry without name")
	}
	if e.Rule == "" {
		return fmt.Errorf("access control entry %q without rule", e.Name)
	}
	if e.Type != Allow && e.Type != Deny {
		return fmt.Errorf("access control entry %q: unknown type %q", e.Name, e.Type)
	}
	for _, r := range e.Rights {
		if r.bit() == 0 {
			return fmt.Errorf("access control entry %q: unknown right %q", e.Name, r)
		}
	}
	return nil
}

func (e AccessControlEntry) document() map[string]any {
	rights := make([]any, len(e.Rights))
	for i, r := range e.Rights {
		rights[i] = string(r)
	}
	doc := map[string]any{
		"name":     e.Name,
		"rule":     e.Rule,
		"type":     string(e.Type),
		"explicit": e.Explicit,
		"rights":   rights,
	}
	if len(e.Options) > 0 {
		doc["options"] = cloneFields(e.Options)
	}
	return doc
}

func entryFromDocument(v any) (AccessControlEntry, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return AccessControlEntry{}, fmt.Errorf("access control entry: expected object, got %T", v)
	}
	e := AccessControlEntry{
		Name: stringOf(m["name"]),
		Rule: stringOf(m["rule"]),
		Type: EntryType(stringOf(m["type"])),
	}
	e.Explicit, _ = m["explicit"].(bool)
	if list, ok := m["rights"].([]any); ok {
		for _, r := range list {
			e.Rights = append(e.Rights, Right(stringOf(r)))
		}
	}
	if opts, ok := m["options"].(map[string]any); ok {
		e.Options = cloneFields(opts)
	}
	return e, nil
}

// MergeACL overlays instance entries on top of defaults. An instance entry
// replaces the default entry with the same name; order of first appearance is
// kept.
func MergeACL(defaults, instance []AccessControlEntry) []AccessControlEntry {
	merged := make([]AccessControlEntry, 0, len(defaults)+len(instance))
	index := make(map[string]int, len(defaults)+len(instance))
	for _, list := range [][]AccessControlEntry{defaults, instance} {
		for _, e := range list {
			if i, ok := index[e.Name]; ok {
				merged[i] = e
				continue
			}
			index[e.Name] = len(merged)
			merged = append(merged, e)
		}
	}
	return merged
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
