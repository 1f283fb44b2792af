// Package access evaluates access control entries against a principal.
package access

import (
	"fmt"
	"sort"

	"github.com/zeusync/syncplant/internal/core/schema/registry"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

type ContextKind string

const (
	KindUser   ContextKind = "user"
	KindServer ContextKind = "server"
)

// Resolver gives rules read access to the syncables of the scope the check
// runs in.
type Resolver interface {
	GetSyncable(ref syncable.Ref) *syncable.Syncable
}

// Context identifies the principal a check is made for.
type Context struct {
	Kind     ContextKind
	User     syncable.Ref
	Resolver Resolver
}

func UserContext(user syncable.Ref, resolver Resolver) *Context {
	return &Context{Kind: KindUser, User: user, Resolver: resolver}
}

func ServerContext(resolver Resolver) *Context {
	return &Context{Kind: KindServer, Resolver: resolver}
}

func (c *Context) IsServer() bool {
	return c != nil && c.Kind == KindServer
}

// WithResolver returns a copy of c resolving against r.
func (c *Context) WithResolver(r Resolver) *Context {
	next := *c
	next.Resolver = r
	return &next
}

func (c *Context) String() string {
	if c.IsServer() {
		return "server"
	}
	return fmt.Sprintf("user(%s)", c.User.ID)
}

// RuleFunc decides whether an entry applies to ctx. Options are the entry's
// options.
type RuleFunc func(ctx *Context, options map[string]any) bool

// Rules is the frozen rule table.
type Rules = registry.Table[RuleFunc]

// NewRules starts a rule table.
func NewRules() *registry.Builder[RuleFunc] {
	return registry.NewBuilder[RuleFunc]("access rule")
}

// Subject is anything carrying access control entries.
type Subject interface {
	Ref() syncable.Ref
	DefaultACL() []syncable.AccessControlEntry
	ACL() []syncable.AccessControlEntry
}

type Evaluator struct {
	rules *Rules
}

func NewEvaluator(rules *Rules) *Evaluator {
	return &Evaluator{rules: rules}
}

// EffectiveACL merges the subject's default entries with its instance
// entries.
func EffectiveACL(subject Subject) []syncable.AccessControlEntry {
	return syncable.MergeACL(subject.DefaultACL(), subject.ACL())
}

// GetAccessRights computes the rights ctx holds on subject. An empty
// effective ACL grants everything.
func (e *Evaluator) GetAccessRights(subject Subject, ctx *Context) (syncable.RightSet, error) {
	acl := EffectiveACL(subject)
	if len(acl) == 0 {
		return syncable.AllRightSet, nil
	}

	entries := make([]syncable.AccessControlEntry, len(acl))
	copy(entries, acl)
	// Ascending, so the last applicable entry for a right has the highest
	// priority.
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Priority(), entries[j].Priority()
		if pi != pj {
			return pi < pj
		}
		return len(entries[i].Rights) < len(entries[j].Rights)
	})

	var granted syncable.RightSet
	for _, entry := range entries {
		rule, ok := e.rules.Lookup(entry.Rule)
		if !ok {
			return 0, &syncable.UnknownRuleError{Rule: entry.Rule}
		}
		if !rule(ctx, entry.Options) {
			continue
		}
		for _, right := range entry.Rights {
			if entry.Type == syncable.Deny {
				granted = granted.Without(right)
			} else {
				granted = granted.With(right)
			}
		}
	}

	return granted, nil
}

// ValidateAccessRights fails with *syncable.AccessDeniedError unless ctx
// holds every right in required.
func (e *Evaluator) ValidateAccessRights(subject Subject, required syncable.RightSet, ctx *Context) error {
	granted, err := e.GetAccessRights(subject, ctx)
	if err != nil {
		return err
	}
	if !granted.Contains(required) {
		return &syncable.AccessDeniedError{Ref: subject.Ref(), Required: required, Granted: granted}
	}
	return nil
}

// Can reports whether ctx holds right on subject. Evaluation errors count as
// a denial.
func (e *Evaluator) Can(subject Subject, right syncable.Right, ctx *Context) bool {
	granted, err := e.GetAccessRights(subject, ctx)
	return err == nil && granted.Has(right)
}
