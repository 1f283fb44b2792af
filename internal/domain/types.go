// Package domain holds the example business types served by syncplant:
// users, tags and tasks. Tag membership grants access to tagged tasks.
package domain

import (
	"errors"
	"fmt"

	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

const (
	TypeUser = "user"
	TypeTag  = "tag"
	TypeTask = "task"
)

// Field names.
const (
	FieldName      = "name"
	FieldTags      = "tags"
	FieldBrief     = "brief"
	FieldCompleted = "completed"
	FieldOwner     = "owner"
)

var ErrUnknownType = errors.New("unknown syncable type")

func UserRef(id string) syncable.Ref { return syncable.NewRef(TypeUser, id) }
func TagRef(id string) syncable.Ref  { return syncable.NewRef(TypeTag, id) }
func TaskRef(id string) syncable.Ref { return syncable.NewRef(TypeTask, id) }

func serverEntry() syncable.AccessControlEntry {
	return syncable.AccessControlEntry{Name: "server", Rule: RuleServer, Type: syncable.Allow, Rights: syncable.AllRights}
}

func memberEntry(tag string) syncable.AccessControlEntry {
	return syncable.AccessControlEntry{
		Name:    "tag:" + tag,
		Rule:    RuleTagMember,
		Type:    syncable.Allow,
		Rights:  syncable.AllRights,
		Options: map[string]any{"tag": tag},
	}
}

// User can be read by every user and edited by itself. Its tags decide
// what it can see, so only the server changes them.
type User struct {
	container.Base
}

func (u User) DefaultACL() []syncable.AccessControlEntry {
	return []syncable.AccessControlEntry{
		serverEntry(),
		{Name: "users", Rule: RuleUser, Type: syncable.Allow, Rights: []syncable.Right{syncable.RightRead}},
		{
			Name:    "self",
			Rule:    RuleSelf,
			Type:    syncable.Allow,
			Rights:  []syncable.Right{syncable.RightRead, syncable.RightWrite},
			Options: map[string]any{"id": u.Ref().ID},
		},
	}
}

func (User) SecuringFieldNames() []string { return []string{FieldTags} }

type Tag struct {
	container.Base
}

func (t Tag) DefaultACL() []syncable.AccessControlEntry {
	return []syncable.AccessControlEntry{serverEntry(), memberEntry(t.Ref().ID)}
}

// Task is open to its owner and to the members of each of its tags.
type Task struct {
	container.Base
}

func (t Task) DefaultACL() []syncable.AccessControlEntry {
	acl := []syncable.AccessControlEntry{serverEntry()}
	s := t.Syncable()
	if s == nil {
		return acl
	}
	if owner := s.GetString(FieldOwner); owner != "" {
		acl = append(acl, syncable.AccessControlEntry{
			Name:    "owner",
			Rule:    RuleSelf,
			Type:    syncable.Allow,
			Rights:  syncable.AllRights,
			Options: map[string]any{"id": owner},
		})
	}
	for _, tag := range s.GetStrings(FieldTags) {
		acl = append(acl, memberEntry(tag))
	}
	return acl
}

func (Task) SecuringFieldNames() []string { return []string{FieldTags, FieldOwner} }

var (
	_ container.Object = User{}
	_ container.Object = Tag{}
	_ container.Object = Task{}
)

// Adapter instantiates the domain types.
type Adapter struct{}

var _ container.Adapter = Adapter{}

func (Adapter) Instantiate(s *syncable.Syncable, c *container.Container) (container.Object, error) {
	base := container.NewBase(s.Ref(), c)
	switch s.Type {
	case TypeUser:
		return User{Base: base}, nil
	case TypeTag:
		return Tag{Base: base}, nil
	case TypeTask:
		return Task{Base: base}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, s.Type)
	}
}

// ResolveDependencyRefs reports the tags of users and tasks. A user's tags
// are requisite: they stay visible whatever the view query.
func (Adapter) ResolveDependencyRefs(s *syncable.Syncable, options container.DependencyOptions) []syncable.Ref {
	switch s.Type {
	case TypeUser:
		return tagRefs(s)
	case TypeTask:
		if options.RequisiteOnly {
			return nil
		}
		return tagRefs(s)
	default:
		return nil
	}
}

func tagRefs(s *syncable.Syncable) []syncable.Ref {
	tags := s.GetStrings(FieldTags)
	refs := make([]syncable.Ref, 0, len(tags))
	for _, id := range tags {
		refs = append(refs, TagRef(id))
	}
	return refs
}
