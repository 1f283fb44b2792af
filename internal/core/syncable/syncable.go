// Package syncable defines the replicated record model shared by the server
// and client engines: syncables, refs, access control entries, change
// packets and their results.
package syncable

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zeusync/syncplant/internal/core/diff"
)

// Reserved document keys. Everything else in a document is a field.
const (
	KeyID        = "_id"
	KeyType      = "_type"
	KeyExtends   = "_extends"
	KeyClock     = "_clock"
	KeyCreatedAt = "_createdAt"
	KeyUpdatedAt = "_updatedAt"
	KeyACL       = "_acl"
)

// InternalPrefix marks fields only changeable with full rights.
const InternalPrefix = "_"

// IsIdentityKey reports whether key identifies the record and may never be
// changed by a change processor.
func IsIdentityKey(key string) bool {
	return key == KeyID || key == KeyType || key == KeyExtends
}

// IsInternalKey reports whether key is reserved for internal state.
func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, InternalPrefix)
}

// IsStampKey reports whether key is rewritten on every commit regardless of
// the change content.
func IsStampKey(key string) bool {
	return key == KeyClock || key == KeyUpdatedAt
}

// Syncable is a replicated, access-controlled record. Fields hold normalized
// JSON-like values (see diff.Normalize).
type Syncable struct {
	ID        string
	Type      string
	Clock     int64
	CreatedAt int64
	UpdatedAt int64
	ACL       []AccessControlEntry
	Fields    map[string]any
}

func New(typ, id string) *Syncable {
	return &Syncable{
		ID:     id,
		Type:   typ,
		Fields: make(map[string]any),
	}
}

func (s *Syncable) Ref() Ref {
	return Ref{Type: s.Type, ID: s.ID}
}

func (s *Syncable) Validate() error {
	if s == nil {
		return fmt.Errorf("nil syncable")
	}
	if s.ID == "" || s.Type == "" {
		return fmt.Errorf("syncable %q: id and type are required", s.Ref())
	}
	for _, e := range s.ACL {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("syncable %s: %w", s.Ref(), err)
		}
	}
	return nil
}

// Stamp sets the commit clock and update time. A zero clock leaves the
// stored clock untouched.
func (s *Syncable) Stamp(clock int64, now time.Time) {
	if clock > 0 {
		s.Clock = clock
	}
	s.UpdatedAt = now.UnixMilli()
}

func (s *Syncable) Get(key string) (any, bool) {
	v, ok := s.Fields[key]
	return v, ok
}

func (s *Syncable) GetString(key string) string {
	v, _ := s.Fields[key].(string)
	return v
}

func (s *Syncable) GetBool(key string) bool {
	v, _ := s.Fields[key].(bool)
	return v
}

func (s *Syncable) GetInt(key string) int64 {
	n, _ := toInt64(s.Fields[key])
	return n
}

// GetStrings returns a list field as strings, skipping non-string elements.
func (s *Syncable) GetStrings(key string) []string {
	list, _ := s.Fields[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Set stores a normalized copy of value under key.
func (s *Syncable) Set(key string, value any) {
	if s.Fields == nil {
		s.Fields = make(map[string]any)
	}
	s.Fields[key] = diff.Normalize(value)
}

func (s *Syncable) Delete(key string) {
	delete(s.Fields, key)
}

// Clone returns a deep copy.
func (s *Syncable) Clone() *Syncable {
	if s == nil {
		return nil
	}
	out := *s
	if s.ACL != nil {
		out.ACL = make([]AccessControlEntry, len(s.ACL))
		for i, e := range s.ACL {
			e.Rights = append([]Right(nil), e.Rights...)
			e.Options = cloneFields(e.Options)
			out.ACL[i] = e
		}
	}
	out.Fields = cloneFields(s.Fields)
	if out.Fields == nil {
		out.Fields = make(map[string]any)
	}
	return &out
}

// Document flattens the syncable into a single JSON-like map. Reserved keys
// carry the record metadata; fields are stored under their own names.
func (s *Syncable) Document() map[string]any {
	doc := make(map[string]any, len(s.Fields)+6)
	for k, v := range s.Fields {
		doc[k] = diff.Clone(v)
	}
	doc[KeyID] = s.ID
	doc[KeyType] = s.Type
	doc[KeyClock] = s.Clock
	doc[KeyCreatedAt] = s.CreatedAt
	doc[KeyUpdatedAt] = s.UpdatedAt
	if len(s.ACL) > 0 {
		acl := make([]any, len(s.ACL))
		for i, e := range s.ACL {
			acl[i] = e.document()
		}
		doc[KeyACL] = acl
	}
	return doc
}

// FromDocument rebuilds a syncable from a document produced by Document,
// possibly after a JSON round trip.
func FromDocument(doc map[string]any) (*Syncable, error) {
	s := &Syncable{
		ID:     stringOf(doc[KeyID]),
		Type:   stringOf(doc[KeyType]),
		Fields: make(map[string]any, len(doc)),
	}

	var ok bool
	if s.Clock, ok = toInt64(doc[KeyClock]); !ok && doc[KeyClock] != nil {
		return nil, fmt.Errorf("syncable %s: invalid clock %v", s.Ref(), doc[KeyClock])
	}
	s.CreatedAt, _ = toInt64(doc[KeyCreatedAt])
	s.UpdatedAt, _ = toInt64(doc[KeyUpdatedAt])

	if raw, exists := doc[KeyACL]; exists && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("syncable %s: acl must be a list, got %T", s.Ref(), raw)
		}
		for _, item := range list {
			e, err := entryFromDocument(item)
			if err != nil {
				return nil, fmt.Errorf("syncable %s: %w", s.Ref(), err)
			}
			s.ACL = append(s.ACL, e)
		}
	}

	for k, v := range doc {
		switch k {
		case KeyID, KeyType, KeyClock, KeyCreatedAt, KeyUpdatedAt, KeyACL:
			continue
		}
		s.Fields[k] = diff.Normalize(v)
	}

	return s, nil
}

func (s *Syncable) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

func (s *Syncable) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	decoded, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}

func cloneFields(m map[string]any) map[string]any {
	return diff.CloneMap(m)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
