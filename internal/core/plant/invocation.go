package plant

import (
	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

type target struct {
	list     bool
	clones   []*syncable.Syncable
	objects  []container.Object
	creation *syncable.CreationRef
}

// Invocation is what a processor sees of the packet it applies: the packet
// itself and the prepared clones and objects of its refs, by ref name.
type Invocation struct {
	Packet    syncable.ChangePacket
	Context   *access.Context
	Container *container.Container

	targets map[string]target
}

// Syncable returns the prepared clone for a single-ref name, or nil.
func (in *Invocation) Syncable(name string) *syncable.Syncable {
	t, ok := in.targets[name]
	if !ok || t.list || len(t.clones) == 0 {
		return nil
	}
	return t.clones[0]
}

// Object returns the object for a single-ref name, or nil.
func (in *Invocation) Object(name string) container.Object {
	t, ok := in.targets[name]
	if !ok || t.list || len(t.objects) == 0 {
		return nil
	}
	return t.objects[0]
}

// Syncables returns the prepared clones for a ref name. A single ref yields
// a one-element list.
func (in *Invocation) Syncables(name string) []*syncable.Syncable {
	return in.targets[name].clones
}

func (in *Invocation) Objects(name string) []container.Object {
	return in.targets[name].objects
}

// Creation returns the creation ref for name, or nil.
func (in *Invocation) Creation(name string) *syncable.CreationRef {
	return in.targets[name].creation
}

func (in *Invocation) Option(key string) any {
	return in.Packet.Options[key]
}

func (in *Invocation) StringOption(key string) string {
	return in.Packet.Option(key)
}

// StringsOption returns a list option as strings, skipping other elements.
func (in *Invocation) StringsOption(key string) []string {
	list, _ := in.Packet.Options[key].([]any)
	if list == nil {
		if strs, ok := in.Packet.Options[key].([]string); ok {
			return strs
		}
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// BoolOption returns options[key] as a bool with a fallback for absent keys.
func (in *Invocation) BoolOption(key string, fallback bool) bool {
	v, ok := in.Packet.Options[key].(bool)
	if !ok {
		return fallback
	}
	return v
}
