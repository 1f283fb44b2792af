package domain

import (
	"slices"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/group"
)

// View query keys.
const (
	QueryTypes     = "types"
	QueryTag       = "tag"
	QueryCompleted = "completed"
)

// ViewQueryDefaults is merged under every view query.
func ViewQueryDefaults() map[string]any {
	return map[string]any{QueryTypes: []any{TypeTask, TypeTag}}
}

var _ group.FilterFactory = Filter

// Filter builds the view filter of a query. types restricts the syncable
// types; tag and completed only narrow tasks.
func Filter(query map[string]any, _ *access.Context) group.Filter {
	types := stringList(query[QueryTypes])
	tag, _ := query[QueryTag].(string)
	completed, byCompletion := query[QueryCompleted].(bool)

	return func(obj container.Object) bool {
		s := obj.Syncable()
		if s == nil {
			return false
		}
		if len(types) > 0 && !slices.Contains(types, s.Type) {
			return false
		}
		if s.Type != TypeTask {
			return true
		}
		if tag != "" && !slices.Contains(s.GetStrings(FieldTags), tag) {
			return false
		}
		return !byCompletion || s.GetBool(FieldCompleted) == completed
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
