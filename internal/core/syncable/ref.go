package syncable

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ref is the global key of a syncable. It never owns the object it points to.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewRef(typ, id string) Ref {
	return Ref{Type: typ, ID: id}
}

func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// Create carries the id a forward-referenced object will be created with.
type Create struct {
	ID string `json:"id"`
}

// CreationRef points at an object that a change creates while it is being
// processed.
type CreationRef struct {
	Type   string `json:"type"`
	Create Create `json:"create"`
}

func NewCreationRef(typ, id string) CreationRef {
	return CreationRef{Type: typ, Create: Create{ID: id}}
}

// Ref returns the ref the created object will have.
func (c CreationRef) Ref() Ref {
	return Ref{Type: c.Type, ID: c.Create.ID}
}

// RefValue is one entry of ChangePacket.Refs: a single ref, a list of refs or
// a creation ref. Exactly one member is set.
type RefValue struct {
	Ref      *Ref
	Refs     []Ref
	Creation *CreationRef
}

func Single(ref Ref) RefValue {
	return RefValue{Ref: &ref}
}

func Many(refs ...Ref) RefValue {
	if refs == nil {
		refs = []Ref{}
	}
	return RefValue{Refs: refs}
}

func Creating(typ, id string) RefValue {
	c := NewCreationRef(typ, id)
	return RefValue{Creation: &c}
}

func (v RefValue) IsList() bool {
	return v.Ref == nil && v.Creation == nil
}

// All returns every ref named by the value; creation refs are excluded.
func (v RefValue) All() []Ref {
	switch {
	case v.Ref != nil:
		return []Ref{*v.Ref}
	case v.Creation != nil:
		return nil
	default:
		return v.Refs
	}
}

func (v RefValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Creation != nil:
		return json.Marshal(v.Creation)
	case v.Ref != nil:
		return json.Marshal(v.Ref)
	case v.Refs == nil:
		return []byte("[]"), nil
	default:
		return json.Marshal(v.Refs)
	}
}

func (v *RefValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty ref value")
	}

	if trimmed[0] == '[' {
		var refs []Ref
		if err := json.Unmarshal(trimmed, &refs); err != nil {
			return fmt.Errorf("decode ref list: %w", err)
		}
		if refs == nil {
			refs = []Ref{}
		}
		*v = RefValue{Refs: refs}
		return nil
	}

	var probe struct {
		Type   string  `json:"type"`
		ID     string  `json:"id"`
		Create *Create `json:"create"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return fmt.Errorf("decode ref: %w", err)
	}
	if probe.Create != nil {
		*v = RefValue{Creation: &CreationRef{Type: probe.Type, Create: *probe.Create}}
		return nil
	}
	*v = RefValue{Ref: &Ref{Type: probe.Type, ID: probe.ID}}
	return nil
}
