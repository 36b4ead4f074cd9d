package consent

import (
	"encoding/json"
	"sort"
)

// Set is a set of permission ids. It serializes as {"<id>": true}.
type Set map[string]bool

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Union returns a new set with the ids of s plus ids.
func (s Set) Union(ids ...string) Set {
	next := s.Clone()
	for _, id := range ids {
		next[id] = true
	}
	return next
}

// Difference returns a new set with the ids of s minus ids.
func (s Set) Difference(ids ...string) Set {
	next := s.Clone()
	for _, id := range ids {
		delete(next, id)
	}
	return next
}

func (s Set) Clone() Set {
	next := make(Set, len(s))
	for id, ok := range s {
		if ok {
			next[id] = true
		}
	}
	return next
}

func (s Set) Has(id string) bool {
	return s[id]
}

// IDs returns the granted ids in lexical order.
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s))
	for id, ok := range s {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s Set) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]bool(s))
}
