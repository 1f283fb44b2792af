package container

import (
	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Object is the behavior attached to a stored syncable. Objects hold the key
// of their record, never the record itself, so they always observe the
// current revision.
type Object interface {
	access.Subject

	// Syncable returns the current revision, or nil once removed.
	Syncable() *syncable.Syncable
	// SecuringFieldNames lists fields whose mutation changes the access of
	// dependents and therefore requires full rights.
	SecuringFieldNames() []string
}

// DependencyOptions selects which dependencies ResolveDependencyRefs reports.
type DependencyOptions struct {
	// RequisiteOnly restricts the result to requisite associations: objects
	// that must stay visible alongside the dependent regardless of filters.
	RequisiteOnly bool
}

// Adapter maps syncable types to their behavior.
type Adapter interface {
	Instantiate(s *syncable.Syncable, c *Container) (Object, error)
	ResolveDependencyRefs(s *syncable.Syncable, options DependencyOptions) []syncable.Ref
}

// Base implements the record-bound part of Object. Type variants embed it.
type Base struct {
	ref       syncable.Ref
	container *Container
}

func NewBase(ref syncable.Ref, c *Container) Base {
	return Base{ref: ref, container: c}
}

func (b Base) Ref() syncable.Ref {
	return b.ref
}

func (b Base) Container() *Container {
	return b.container
}

func (b Base) Syncable() *syncable.Syncable {
	return b.container.GetSyncable(b.ref)
}

func (b Base) ACL() []syncable.AccessControlEntry {
	if s := b.Syncable(); s != nil {
		return s.ACL
	}
	return nil
}

func (b Base) DefaultACL() []syncable.AccessControlEntry {
	return nil
}

func (b Base) SecuringFieldNames() []string {
	return nil
}

type plainObject struct {
	Base
}

type plainAdapter struct{}

func (plainAdapter) Instantiate(s *syncable.Syncable, c *Container) (Object, error) {
	return plainObject{Base: NewBase(s.Ref(), c)}, nil
}

func (plainAdapter) ResolveDependencyRefs(*syncable.Syncable, DependencyOptions) []syncable.Ref {
	return nil
}
