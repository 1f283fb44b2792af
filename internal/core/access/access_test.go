package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/syncable"
)

type subject struct {
	ref      syncable.Ref
	defaults []syncable.AccessControlEntry
	acl      []syncable.AccessControlEntry
}

func (s subject) Ref() syncable.Ref                          { return s.ref }
func (s subject) DefaultACL() []syncable.AccessControlEntry { return s.defaults }
func (s subject) ACL() []syncable.AccessControlEntry        { return s.acl }

func testRules(t *testing.T) *Rules {
	t.Helper()
	rules, err := NewRules().
		Register("everyone", func(*Context, map[string]any) bool { return true }).
		Register("nobody", func(*Context, map[string]any) bool { return false }).
		Register("user", func(ctx *Context, opts map[string]any) bool {
			id, _ := opts["id"].(string)
			return !ctx.IsServer() && ctx.User.ID == id
		}).
		Build()
	require.NoError(t, err)
	return rules
}

func entry(name, rule string, typ syncable.EntryType, explicit bool, rights ...syncable.Right) syncable.AccessControlEntry {
	return syncable.AccessControlEntry{Name: name, Rule: rule, Type: typ, Explicit: explicit, Rights: rights}
}

var (
	alice = UserContext(syncable.NewRef("user", "alice"), nil)
	bob   = UserContext(syncable.NewRef("user", "bob"), nil)
)

func TestEvaluator_OpenByDefault(t *testing.T) {
	e := NewEvaluator(testRules(t))
	granted, err := e.GetAccessRights(subject{ref: syncable.NewRef("task", "t1")}, alice)
	require.NoError(t, err)
	assert.Equal(t, syncable.AllRightSet, granted)
}

func TestEvaluator_DenyWithoutAllow(t *testing.T) {
	e := NewEvaluator(testRules(t))
	s := subject{
		ref: syncable.NewRef("task", "t1"),
		acl: []syncable.AccessControlEntry{entry("no-write", "everyone", syncable.Deny, false, syncable.RightWrite)},
	}

	for _, ctx := range []*Context{alice, bob, ServerContext(nil)} {
		err := e.ValidateAccessRights(s, syncable.Rights(syncable.RightWrite), ctx)
		require.ErrorIs(t, err, syncable.ErrAccessDenied, ctx.String())

		var denied *syncable.AccessDeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, syncable.Rights(syncable.RightWrite), denied.Required)
		assert.False(t, denied.Granted.Has(syncable.RightWrite))
	}
}

func TestEvaluator_Priority(t *testing.T) {
	e := NewEvaluator(testRules(t))

	cases := []struct {
		name    string
		acl     []syncable.AccessControlEntry
		ctx     *Context
		granted syncable.RightSet
	}{
		{
			name: "deny beats allow",
			acl: []syncable.AccessControlEntry{
				entry("deny", "everyone", syncable.Deny, false, syncable.RightWrite),
				entry("allow", "everyone", syncable.Allow, false, syncable.RightRead, syncable.RightWrite),
			},
			ctx:     alice,
			granted: syncable.Rights(syncable.RightRead),
		},
		{
			name: "explicit allow beats implicit deny",
			acl: []syncable.AccessControlEntry{
				entry("deny", "everyone", syncable.Deny, false, syncable.RightRead, syncable.RightWrite),
				entry("alice", "user", syncable.Allow, true, syncable.RightWrite),
			},
			ctx:     alice,
			granted: syncable.Rights(syncable.RightWrite),
		},
		{
			name: "explicit deny beats explicit allow",
			acl: []syncable.AccessControlEntry{
				entry("allow", "everyone", syncable.Allow, true, syncable.RightRead),
				entry("deny", "everyone", syncable.Deny, true, syncable.RightRead),
			},
			ctx:     alice,
			granted: 0,
		},
		{
			name: "non matching rule is ignored",
			acl: []syncable.AccessControlEntry{
				entry("alice", "user", syncable.Allow, false, syncable.RightFull),
				entry("read", "everyone", syncable.Allow, false, syncable.RightRead),
			},
			ctx:     bob,
			granted: syncable.Rights(syncable.RightRead),
		},
		{
			name: "full does not imply write",
			acl: []syncable.AccessControlEntry{
				entry("full", "everyone", syncable.Allow, false, syncable.RightFull),
			},
			ctx:     alice,
			granted: syncable.Rights(syncable.RightFull),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := subject{ref: syncable.NewRef("task", "t1"), acl: tc.acl}
			for i := range s.acl {
				if s.acl[i].Rule == "user" {
					s.acl[i].Options = map[string]any{"id": "alice"}
				}
			}
			granted, err := e.GetAccessRights(s, tc.ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.granted, granted, "got %s", granted)
		})
	}
}

func TestEvaluator_InstanceOverridesDefault(t *testing.T) {
	e := NewEvaluator(testRules(t))
	s := subject{
		ref:      syncable.NewRef("task", "t1"),
		defaults: []syncable.AccessControlEntry{entry("public", "everyone", syncable.Allow, false, syncable.RightRead)},
		acl:      []syncable.AccessControlEntry{entry("public", "nobody", syncable.Allow, false, syncable.RightRead)},
	}
	assert.False(t, e.Can(s, syncable.RightRead, alice))
	assert.Len(t, EffectiveACL(s), 1)
}

func TestEvaluator_UnknownRule(t *testing.T) {
	e := NewEvaluator(testRules(t))
	s := subject{
		ref: syncable.NewRef("task", "t1"),
		acl: []syncable.AccessControlEntry{entry("x", "missing", syncable.Allow, false, syncable.RightRead)},
	}
	_, err := e.GetAccessRights(s, alice)
	assert.ErrorIs(t, err, syncable.ErrUnknownRule)
	assert.False(t, e.Can(s, syncable.RightRead, alice))
}
