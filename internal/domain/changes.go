package domain

import (
	"slices"
	"strings"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Change types.
const (
	ChangeCreateUser      = "create-user"
	ChangeCreateTag       = "create-tag"
	ChangeInviteToTag     = "invite-to-tag"
	ChangeAddTagMember    = "add-tag-member"
	ChangeRemoveTagMember = "remove-tag-member"
	ChangeRemoveTag       = "remove-tag"
	ChangeCreateTask      = "create-task"
	ChangeUpdateTaskBrief = "update-task-brief"
	ChangeUpdateTaskTags  = "update-task-tags"
	ChangeCompleteTask    = "complete-task"
	ChangeRemoveTask      = "remove-task"
	ChangeUntagTask       = "untag-task"
)

// NotificationInvalidBrief is sent when a task brief is rejected.
const NotificationInvalidBrief = "invalid-brief"

type changes struct {
	evaluator *access.Evaluator
}

// Processors builds the change-type table. Tag checks go through evaluator.
func Processors(evaluator *access.Evaluator) (*plant.Processors, error) {
	c := changes{evaluator: evaluator}
	return plant.NewProcessors().
		Register(ChangeCreateUser, c.createUser).
		Register(ChangeCreateTag, c.createTag).
		Register(ChangeInviteToTag, c.inviteToTag).
		Register(ChangeAddTagMember, c.addTagMember).
		Register(ChangeRemoveTagMember, c.removeTagMember).
		Register(ChangeRemoveTag, c.removeTag).
		Register(ChangeCreateTask, c.createTask).
		Register(ChangeUpdateTaskBrief, c.updateTaskBrief).
		Register(ChangeUpdateTaskTags, c.updateTaskTags).
		Register(ChangeCompleteTask, c.completeTask).
		Register(ChangeRemoveTask, c.removeTask).
		Register(ChangeUntagTask, c.untagTask).
		Build()
}

func missing(name string) error {
	return &syncable.InvalidOperationError{Reason: "missing ref " + name}
}

// target returns the prepared clone and object of a single ref.
func target(in *plant.Invocation, name string) (*syncable.Syncable, container.Object, error) {
	s, obj := in.Syncable(name), in.Object(name)
	if s == nil || obj == nil {
		return nil, nil, missing(name)
	}
	return s, obj, nil
}

func creation(in *plant.Invocation, name string) (syncable.Ref, error) {
	c := in.Creation(name)
	if c == nil || c.Ref().Type != name {
		return syncable.Ref{}, missing(name)
	}
	return c.Ref(), nil
}

func serverOnly(in *plant.Invocation, ref syncable.Ref) error {
	if in.Context.IsServer() {
		return nil
	}
	return &syncable.AccessDeniedError{Ref: ref, Required: syncable.AllRightSet}
}

// readableTags fails unless every tag exists and ctx can read it.
func (c changes) readableTags(in *plant.Invocation, tags []string) error {
	for _, id := range tags {
		obj, err := in.Container.RequireSyncableObject(TagRef(id))
		if err != nil {
			return err
		}
		if err = c.evaluator.ValidateAccessRights(obj, syncable.Rights(syncable.RightRead), in.Context); err != nil {
			return err
		}
	}
	return nil
}

func rejectBrief(in *plant.Invocation, fx plant.Effects, brief string) bool {
	if strings.TrimSpace(brief) != "" {
		return false
	}
	fx.Notify(syncable.Notification{
		Type:    NotificationInvalidBrief,
		Message: "brief must not be empty",
		Data:    map[string]any{"change": in.Packet.ID},
	})
	fx.Abort()
	return true
}

func (changes) createUser(in *plant.Invocation, fx plant.Effects) error {
	ref, err := creation(in, TypeUser)
	if err != nil {
		return err
	}
	if err = serverOnly(in, ref); err != nil {
		return err
	}
	s := syncable.New(ref.Type, ref.ID)
	s.Set(FieldName, in.StringOption(FieldName))
	s.Set(FieldTags, []any{})
	return fx.Create(s)
}

// createTag creates a tag and makes its creator the first member. Joining is
// a follow-up change since only the server edits user tags.
func (changes) createTag(in *plant.Invocation, fx plant.Effects) error {
	ref, err := creation(in, TypeTag)
	if err != nil {
		return err
	}
	s := syncable.New(ref.Type, ref.ID)
	s.Set(FieldName, in.StringOption(FieldName))
	if err = fx.Create(s); err != nil {
		return err
	}

	member := in.Context.User
	if obj := in.Object("member"); obj != nil {
		member = obj.Ref()
	}
	if member.IsZero() {
		return nil
	}
	fx.Change(syncable.NewChangePacket(ChangeAddTagMember, map[string]syncable.RefValue{
		TypeUser: syncable.Single(member),
		TypeTag:  syncable.Single(ref),
	}, nil))
	return nil
}

// inviteToTag lets a member with full rights on a tag add another user.
func (c changes) inviteToTag(in *plant.Invocation, fx plant.Effects) error {
	_, tag, err := target(in, TypeTag)
	if err != nil {
		return err
	}
	_, user, err := target(in, TypeUser)
	if err != nil {
		return err
	}
	if err = c.evaluator.ValidateAccessRights(tag, syncable.Rights(syncable.RightFull), in.Context); err != nil {
		return err
	}
	fx.Change(syncable.NewChangePacket(ChangeAddTagMember, map[string]syncable.RefValue{
		TypeUser: syncable.Single(user.Ref()),
		TypeTag:  syncable.Single(tag.Ref()),
	}, nil))
	return nil
}

func (changes) addTagMember(in *plant.Invocation, fx plant.Effects) error {
	user, _, err := target(in, TypeUser)
	if err != nil {
		return err
	}
	_, tag, err := target(in, TypeTag)
	if err != nil {
		return err
	}
	if err = serverOnly(in, user.Ref()); err != nil {
		return err
	}
	tags := user.GetStrings(FieldTags)
	if !slices.Contains(tags, tag.Ref().ID) {
		user.Set(FieldTags, toList(append(tags, tag.Ref().ID)))
	}
	return nil
}

func (changes) removeTagMember(in *plant.Invocation, fx plant.Effects) error {
	user, _, err := target(in, TypeUser)
	if err != nil {
		return err
	}
	if err = serverOnly(in, user.Ref()); err != nil {
		return err
	}
	user.Set(FieldTags, toList(without(user.GetStrings(FieldTags), in.StringOption(TypeTag))))
	return nil
}

// removeTag removes a tag and detaches it from every task and user through
// follow-up changes.
func (changes) removeTag(in *plant.Invocation, fx plant.Effects) error {
	_, tag, err := target(in, TypeTag)
	if err != nil {
		return err
	}
	if err = fx.Remove(tag); err != nil {
		return err
	}
	id := tag.Ref().ID
	for _, kind := range []struct{ typ, change string }{
		{TypeTask, ChangeUntagTask},
		{TypeUser, ChangeRemoveTagMember},
	} {
		for _, s := range in.Container.SyncablesOfType(kind.typ) {
			if !slices.Contains(s.GetStrings(FieldTags), id) {
				continue
			}
			fx.Change(syncable.NewChangePacket(kind.change,
				map[string]syncable.RefValue{kind.typ: syncable.Single(s.Ref())},
				map[string]any{TypeTag: id}))
		}
	}
	return nil
}

func (c changes) createTask(in *plant.Invocation, fx plant.Effects) error {
	ref, err := creation(in, TypeTask)
	if err != nil {
		return err
	}
	brief := in.StringOption(FieldBrief)
	if rejectBrief(in, fx, brief) {
		return nil
	}
	tags := in.StringsOption(FieldTags)
	if err = c.readableTags(in, tags); err != nil {
		return err
	}

	owner := in.Context.User.ID
	if in.Context.IsServer() {
		owner = in.StringOption(FieldOwner)
	}

	s := syncable.New(ref.Type, ref.ID)
	s.Set(FieldBrief, brief)
	s.Set(FieldTags, toList(tags))
	s.Set(FieldCompleted, false)
	s.Set(FieldOwner, owner)
	return fx.Create(s)
}

func (changes) updateTaskBrief(in *plant.Invocation, fx plant.Effects) error {
	task, _, err := target(in, TypeTask)
	if err != nil {
		return err
	}
	brief := in.StringOption(FieldBrief)
	if rejectBrief(in, fx, brief) {
		return nil
	}
	task.Set(FieldBrief, brief)
	return nil
}

func (c changes) updateTaskTags(in *plant.Invocation, fx plant.Effects) error {
	task, _, err := target(in, TypeTask)
	if err != nil {
		return err
	}
	tags := in.StringsOption(FieldTags)
	if err = c.readableTags(in, tags); err != nil {
		return err
	}
	task.Set(FieldTags, toList(tags))
	return nil
}

func (changes) completeTask(in *plant.Invocation, fx plant.Effects) error {
	task, _, err := target(in, TypeTask)
	if err != nil {
		return err
	}
	task.Set(FieldCompleted, in.BoolOption(FieldCompleted, true))
	return nil
}

func (changes) removeTask(in *plant.Invocation, fx plant.Effects) error {
	_, task, err := target(in, TypeTask)
	if err != nil {
		return err
	}
	return fx.Remove(task)
}

func (changes) untagTask(in *plant.Invocation, fx plant.Effects) error {
	task, _, err := target(in, TypeTask)
	if err != nil {
		return err
	}
	task.Set(FieldTags, toList(without(task.GetStrings(FieldTags), in.StringOption(TypeTag))))
	return nil
}

func without(values []string, drop string) []string {
	return slices.DeleteFunc(values, func(v string) bool { return v == drop })
}

// toList stores string lists in their decoded JSON form so diffs compare
// equal across the wire.
func toList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
