package consent

import (
	"slices"
	"sync"
)

// Selection holds the pending, unsaved permission ids picked in the consent
// modal. Insertion order is kept.
type Selection struct {
	ids []string
	mu  sync.Mutex
}

// SetSelectedConsents replaces the pending set wholesale.
func (s *Selection) SetSelectedConsents(ids []string) {
	next := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(next, id) {
			next = append(next, id)
		}
	}

	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()
}

// ToggleSelectedConsent removes id if present, otherwise appends it.
func (s *Selection) ToggleSelectedConsent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.Index(s.ids, id); i >= 0 {
		s.ids = slices.Delete(slices.Clone(s.ids), i, i+1)
		return
	}
	s.ids = append(slices.Clone(s.ids), id)
}

func (s *Selection) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids)
}

func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// IsAllSelected reports whether every id in all is selected. An empty list
// is never fully selected.
func (s *Selection) IsAllSelected(all []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containsAll(all)
}

// ToggleAll clears the selection if all ids are selected, otherwise selects
// all of them.
func (s *Selection) ToggleAll(all []string) {
	if s.IsAllSelected(all) {
		s.SetSelectedConsents(nil)
		return
	}
	s.SetSelectedConsents(all)
}

// ToggleGroup removes the ids of a sub-service if all of them are selected,
// otherwise adds the missing ones.
func (s *Selection) ToggleGroup(ids []string) {
	if len(ids) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containsAll(ids) {
		s.ids = slices.DeleteFunc(slices.Clone(s.ids), func(id string) bool {
			return slices.Contains(ids, id)
		})
		return
	}
	next := slices.Clone(s.ids)
	for _, id := range ids {
		if !slices.Contains(next, id) {
			next = append(next, id)
		}
	}
	s.ids = next
}

func (s *Selection) containsAll(all []string) bool {
	if len(all) == 0 {
		return false
	}
	for _, id := range all {
		if !slices.Contains(s.ids, id) {
			return false
		}
	}
	return true
}
