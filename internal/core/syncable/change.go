package syncable

import (
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/syncplant/internal/core/diff"
)

// ChangePacket is an immutable request to mutate syncables. Refs name the
// objects the change works on; Options carry change-specific arguments.
type ChangePacket struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Refs      map[string]RefValue `json:"refs"`
	Options   map[string]any      `json:"options,omitempty"`
	CreatedAt int64               `json:"createdAt"`
}

// NewChangePacket assigns a fresh id and creation time.
func NewChangePacket(typ string, refs map[string]RefValue, options map[string]any) ChangePacket {
	if refs == nil {
		refs = map[string]RefValue{}
	}
	return ChangePacket{
		ID:        uuid.NewString(),
		Type:      typ,
		Refs:      refs,
		Options:   options,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Option returns options[key] as a string.
func (p ChangePacket) Option(key string) string {
	v, _ := p.Options[key].(string)
	return v
}

// Notification is an out-of-band message produced while processing a change.
// It survives an aborted change.
type Notification struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Update pairs the delta applied to an existing syncable with the resulting
// snapshot.
type Update struct {
	Delta    []diff.Delta `json:"delta"`
	Snapshot *Syncable    `json:"snapshot"`
}

func (u Update) Ref() Ref {
	return u.Snapshot.Ref()
}

// ChangeResult is everything processing one packet produced. Clock is zero
// when the change was processed without a sequencer, as on clients.
type ChangeResult struct {
	ID            string
	Clock         int64
	Aborted       bool
	Creations     []*Syncable
	Updates       []Update
	Removals      []Ref
	Notifications []Notification
	Changes       []ChangePacket
}

// Empty reports whether the result mutates nothing.
func (r *ChangeResult) Empty() bool {
	return len(r.Creations) == 0 && len(r.Updates) == 0 && len(r.Removals) == 0
}
