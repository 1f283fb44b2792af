package domain

import (
	"slices"

	"github.com/zeusync/syncplant/internal/core/access"
)

// Rule names.
const (
	RuleServer    = "server"
	RuleUser      = "user"
	RuleSelf      = "self"
	RuleTagMember = "tag-member"
)

// Rules builds the rule table of the domain.
func Rules() (*access.Rules, error) {
	return access.NewRules().
		Register(RuleServer, func(ctx *access.Context, _ map[string]any) bool {
			return ctx.IsServer()
		}).
		Register(RuleUser, func(ctx *access.Context, _ map[string]any) bool {
			return ctx != nil && !ctx.IsServer()
		}).
		Register(RuleSelf, func(ctx *access.Context, options map[string]any) bool {
			id, _ := options["id"].(string)
			return ctx != nil && !ctx.IsServer() && id != "" && ctx.User.ID == id
		}).
		Register(RuleTagMember, isTagMember).
		Build()
}

// isTagMember matches users whose tags list the tag option.
func isTagMember(ctx *access.Context, options map[string]any) bool {
	if ctx == nil || ctx.IsServer() || ctx.Resolver == nil {
		return false
	}
	tag, _ := options["tag"].(string)
	user := ctx.Resolver.GetSyncable(ctx.User)
	return tag != "" && user != nil && slices.Contains(user.GetStrings(FieldTags), tag)
}
