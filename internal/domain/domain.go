package domain

import (
	"github.com/google/uuid"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// NewPlant assembles the rule and change tables of the domain. Servers and
// clients build the same plant.
func NewPlant(logger log.Log) (*plant.Plant, error) {
	rules, err := Rules()
	if err != nil {
		return nil, err
	}
	evaluator := access.NewEvaluator(rules)
	processors, err := Processors(evaluator)
	if err != nil {
		return nil, err
	}
	return plant.New(processors, evaluator, plant.WithLogger(logger)), nil
}

// Packet builders for the change types.

func CreateUser(id, name string) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeCreateUser,
		map[string]syncable.RefValue{TypeUser: syncable.Creating(TypeUser, id)},
		map[string]any{FieldName: name})
}

// CreateTag returns the packet and the ref of the new tag.
func CreateTag(name string) (syncable.ChangePacket, syncable.Ref) {
	id := uuid.NewString()
	return syncable.NewChangePacket(ChangeCreateTag,
		map[string]syncable.RefValue{TypeTag: syncable.Creating(TypeTag, id)},
		map[string]any{FieldName: name}), TagRef(id)
}

func InviteToTag(tag, user syncable.Ref) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeInviteToTag, map[string]syncable.RefValue{
		TypeTag:  syncable.Single(tag),
		TypeUser: syncable.Single(user),
	}, nil)
}

func RemoveTag(tag syncable.Ref) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeRemoveTag,
		map[string]syncable.RefValue{TypeTag: syncable.Single(tag)}, nil)
}

// CreateTask returns the packet and the ref of the new task.
func CreateTask(brief string, tags ...string) (syncable.ChangePacket, syncable.Ref) {
	id := uuid.NewString()
	return syncable.NewChangePacket(ChangeCreateTask,
		map[string]syncable.RefValue{TypeTask: syncable.Creating(TypeTask, id)},
		map[string]any{FieldBrief: brief, FieldTags: toList(tags)}), TaskRef(id)
}

func UpdateTaskBrief(task syncable.Ref, brief string) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeUpdateTaskBrief,
		map[string]syncable.RefValue{TypeTask: syncable.Single(task)},
		map[string]any{FieldBrief: brief})
}

func UpdateTaskTags(task syncable.Ref, tags ...string) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeUpdateTaskTags,
		map[string]syncable.RefValue{TypeTask: syncable.Single(task)},
		map[string]any{FieldTags: toList(tags)})
}

func CompleteTask(task syncable.Ref, completed bool) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeCompleteTask,
		map[string]syncable.RefValue{TypeTask: syncable.Single(task)},
		map[string]any{FieldCompleted: completed})
}

func RemoveTask(task syncable.Ref) syncable.ChangePacket {
	return syncable.NewChangePacket(ChangeRemoveTask,
		map[string]syncable.RefValue{TypeTask: syncable.Single(task)}, nil)
}
