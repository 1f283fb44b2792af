package protocol

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/diff"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

var t1 = syncable.NewRef("task", "t1")

func golden(t *testing.T, name string, e *Envelope) {
	t.Helper()
	data, err := Encode(e)
	require.NoError(t, err)
	goldie.New(t, goldie.WithNameSuffix(".golden")).Assert(t, name, data)

	decoded, err := Decode(data, 0)
	require.NoError(t, err)
	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestEnvelope_Golden(t *testing.T) {
	packet := syncable.ChangePacket{
		ID:        "p1",
		Type:      "update-task-brief",
		Refs:      map[string]syncable.RefValue{"task": syncable.Single(t1)},
		Options:   map[string]any{"brief": "B"},
		CreatedAt: 1_700_000_000_000,
	}
	req, err := NewRequest("req-1", MethodChange, ChangeRequest{Packet: packet})
	require.NoError(t, err)
	golden(t, "change_request", req)

	sync, err := NewRequest("", MethodSync, Sync{
		Source: &Source{ID: "p1", Clock: 1},
		Updates: []SyncUpdate{{
			Ref:   t1,
			Diffs: []diff.Delta{{Kind: diff.KindEdited, Path: []any{"brief"}, LHS: "A", RHS: "B"}},
		}},
	})
	require.NoError(t, err)
	golden(t, "sync_notification", sync)

	task := syncable.New("task", "t1")
	task.Set("brief", "A")
	task.Clock, task.CreatedAt, task.UpdatedAt = 1, 5, 6
	initialize, err := NewRequest("", MethodInitialize, Initialize{
		Syncables:         []*syncable.Syncable{task},
		UserRef:           syncable.NewRef("user", "u1"),
		ViewQueryDefaults: map[string]any{"types": []any{"task"}},
	})
	require.NoError(t, err)
	golden(t, "initialize", initialize)

	resp, err := NewResponse("req-1", nil, NewError(ErrorCodeAccessDenied, "access denied"))
	require.NoError(t, err)
	golden(t, "error_response", resp)

	ret, err := NewResponse("req-2", ChangeReturn{Clock: 7}, nil)
	require.NoError(t, err)
	golden(t, "change_return", ret)
}

func TestEnvelope_DecodeArgs(t *testing.T) {
	req, err := NewRequest("1", MethodChange, ChangeRequest{Packet: syncable.ChangePacket{
		ID:   "p",
		Type: "create-task",
		Refs: map[string]syncable.RefValue{
			"task": syncable.Creating("task", "t9"),
			"tags": syncable.Many(syncable.NewRef("tag", "a")),
		},
	}})
	require.NoError(t, err)
	data, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode(data, 0)
	require.NoError(t, err)
	var args ChangeRequest
	require.NoError(t, decoded.DecodeArgs(&args))

	creation := args.Packet.Refs["task"].Creation
	require.NotNil(t, creation)
	assert.Equal(t, syncable.NewRef("task", "t9"), creation.Ref())
	assert.True(t, args.Packet.Refs["tags"].IsList())
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]struct {
		data []byte
		max  int
		err  error
	}{
		"not json":        {[]byte("{"), 0, ErrInvalidMessage},
		"unknown type":    {[]byte(`{"type":"event"}`), 0, ErrInvalidMessage},
		"request no name": {[]byte(`{"type":"request","id":"1"}`), 0, ErrInvalidMessage},
		"response no id":  {[]byte(`{"type":"response"}`), 0, ErrInvalidMessage},
		"too large":       {[]byte(`{"type":"request","name":"sync"}`), 8, ErrMessageTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.data, tc.max)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	e := &Envelope{Type: TypeRequest, Name: MethodChange, Args: []byte(`[1]`)}
	var out ChangeRequest
	assert.ErrorIs(t, e.DecodeArgs(&out), ErrInvalidMessage)
}

func TestError_CrossesTheWire(t *testing.T) {
	err := WrapError(&syncable.AccessDeniedError{Ref: t1})
	assert.Equal(t, ErrorCodeAccessDenied, err.Code)
	assert.ErrorIs(t, err, syncable.ErrAccessDenied)
	assert.NotErrorIs(t, err, syncable.ErrNotFound)

	assert.Equal(t, ErrorCodeUnknownError, GetErrorCode(assert.AnError))
	assert.Equal(t, ErrorCodeOutboxFull, GetErrorCode(ErrOutboxFull))
	assert.True(t, IsFatal(&syncable.OutOfOrderConfirmationError{ID: "b", Head: "a"}))
	assert.False(t, IsFatal(syncable.ErrNotFound))
	assert.Nil(t, WrapError(nil))
}
