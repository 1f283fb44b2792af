package interfaces

import "github.com/zeusync/syncplant/internal/core/syncable"

// Query selects stored syncables of a group. Zero values select everything.
type Query struct {
	Types []string
	// MinClock selects syncables with a clock strictly greater than it.
	MinClock int64
	Limit    int
}

func AllSyncables() Query {
	return Query{}
}

func ByTypes(types ...string) Query {
	return Query{Types: types}
}

// Matches evaluates the query in memory, for adapters that cannot push it
// down.
func (q Query) Matches(s *syncable.Syncable) bool {
	if s.Clock <= q.MinClock && q.MinClock > 0 {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, typ := range q.Types {
		if typ == s.Type {
			return true
		}
	}
	return false
}
