package syncable

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask() *Syncable {
	s := New("task", "t1")
	s.Clock = 4
	s.CreatedAt = 1000
	s.UpdatedAt = 2000
	s.Set("brief", "A")
	s.Set("tags", []string{"x", "y"})
	s.ACL = []AccessControlEntry{{Name: "owner", Rule: "self", Type: Allow, Rights: []Right{RightFull}}}
	return s
}

func TestSyncable_JSONRoundTrip(t *testing.T) {
	s := newTask()

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Syncable
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, s.Ref(), decoded.Ref())
	assert.Equal(t, int64(4), decoded.Clock)
	assert.Equal(t, int64(1000), decoded.CreatedAt)
	assert.Equal(t, "A", decoded.GetString("brief"))
	assert.Equal(t, []string{"x", "y"}, decoded.GetStrings("tags"))
	require.Len(t, decoded.ACL, 1)
	assert.Equal(t, []Right{RightFull}, decoded.ACL[0].Rights)
}

func TestSyncable_CloneIsDeep(t *testing.T) {
	s := newTask()
	c := s.Clone()

	c.Set("brief", "B")
	c.Fields["tags"].([]any)[0] = "z"
	c.ACL[0].Rights[0] = RightRead

	assert.Equal(t, "A", s.GetString("brief"))
	assert.Equal(t, []string{"x", "y"}, s.GetStrings("tags"))
	assert.Equal(t, RightFull, s.ACL[0].Rights[0])
}

func TestSyncable_Stamp(t *testing.T) {
	s := newTask()
	now := time.UnixMilli(5000)

	s.Stamp(0, now)
	assert.Equal(t, int64(4), s.Clock)
	assert.Equal(t, int64(5000), s.UpdatedAt)

	s.Stamp(9, now)
	assert.Equal(t, int64(9), s.Clock)
}

func TestSyncable_Validate(t *testing.T) {
	assert.NoError(t, newTask().Validate())
	assert.Error(t, New("task", "").Validate())

	s := newTask()
	s.ACL[0].Type = "maybe"
	assert.Error(t, s.Validate())
}

func TestKeyClassification(t *testing.T) {
	assert.True(t, IsIdentityKey(KeyID))
	assert.True(t, IsIdentityKey(KeyExtends))
	assert.False(t, IsIdentityKey("brief"))
	assert.True(t, IsInternalKey(KeyACL))
	assert.True(t, IsStampKey(KeyUpdatedAt))
	assert.False(t, IsStampKey(KeyCreatedAt))
}

func TestRefValue_JSON(t *testing.T) {
	packet := ChangePacket{
		ID:   "p1",
		Type: "create-task",
		Refs: map[string]RefValue{
			"task": Creating("task", "t1"),
			"tag":  Single(NewRef("tag", "g1")),
			"tags": Many(NewRef("tag", "g1"), NewRef("tag", "g2")),
			"none": Many(),
		},
	}

	raw, err := json.Marshal(packet)
	require.NoError(t, err)

	var decoded ChangePacket
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.NotNil(t, decoded.Refs["task"].Creation)
	assert.Equal(t, NewRef("task", "t1"), decoded.Refs["task"].Creation.Ref())
	require.NotNil(t, decoded.Refs["tag"].Ref)
	assert.Equal(t, NewRef("tag", "g1"), *decoded.Refs["tag"].Ref)
	assert.Equal(t, []Ref{{"tag", "g1"}, {"tag", "g2"}}, decoded.Refs["tags"].All())
	assert.True(t, decoded.Refs["none"].IsList())
	assert.Empty(t, decoded.Refs["none"].All())
}

func TestRightSet(t *testing.T) {
	s := Rights(RightRead, RightWrite)
	assert.True(t, s.Has(RightRead))
	assert.False(t, s.Has(RightFull))
	assert.True(t, AllRightSet.Contains(s))
	assert.False(t, s.Contains(Rights(RightFull)))
	assert.Equal(t, "[read,write]", s.String())
	assert.Equal(t, Rights(RightRead), s.Without(RightWrite))
}

func TestEntryPriority(t *testing.T) {
	assert.Equal(t, 0, AccessControlEntry{Type: Allow}.Priority())
	assert.Equal(t, 2, AccessControlEntry{Type: Deny}.Priority())
	assert.Equal(t, 8, AccessControlEntry{Type: Allow, Explicit: true}.Priority())
	assert.Equal(t, 10, AccessControlEntry{Type: Deny, Explicit: true}.Priority())
}

func TestMergeACL(t *testing.T) {
	defaults := []AccessControlEntry{
		{Name: "a", Rule: "r1", Type: Allow, Rights: []Right{RightRead}},
		{Name: "b", Rule: "r2", Type: Allow, Rights: []Right{RightRead}},
	}
	instance := []AccessControlEntry{
		{Name: "b", Rule: "r3", Type: Deny, Rights: []Right{RightRead}},
		{Name: "c", Rule: "r4", Type: Allow, Rights: []Right{RightWrite}},
	}

	merged := MergeACL(defaults, instance)
	require.Len(t, merged, 3)
	assert.Equal(t, "r1", merged[0].Rule)
	assert.Equal(t, "r3", merged[1].Rule)
	assert.Equal(t, "c", merged[2].Name)
}

func TestTypedErrors(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&NotFoundError{Ref: NewRef("task", "t1")}, ErrNotFound},
		{&AccessDeniedError{Required: Rights(RightWrite)}, ErrAccessDenied},
		{&InvalidOperationError{Reason: "identity"}, ErrInvalidOperation},
		{&UnknownChangeTypeError{Type: "x"}, ErrUnknownChangeType},
		{&UnknownRuleError{Rule: "x"}, ErrUnknownRule},
		{&OutOfOrderConfirmationError{ID: "p2", Head: "p1"}, ErrOutOfOrderConfirmation},
		{&PersistenceError{Group: "g1", Cause: errors.New("disk")}, ErrPersistenceFailure},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.sentinel, tc.err.Error())
	}
}
