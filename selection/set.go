// Package selection provides user-curated subsets of a collection, indexed by
// a stable string key rather than by identity, so two structurally equal
// values fetched at different times select the same entry.
package selection

import "slices"

// Set is an ordered, key-indexed selection of T. The zero value is not usable;
// construct with New.
type Set[T any] struct {
	key   func(T) string
	items map[string]T
	order []string
}

// New creates an empty set using key to identify items.
func New[T any](key func(T) string) *Set[T] {
	return &Set[T]{
		key:   key,
		items: make(map[string]T),
	}
}

// Strings creates an empty set of strings keyed by themselves.
func Strings() *Set[string] {
	return New(func(s string) string { return s })
}

// Has reports whether item is selected.
func (s *Set[T]) Has(item T) bool {
	_, ok := s.items[s.key(item)]
	return ok
}

// Len returns the number of selected items.
func (s *Set[T]) Len() int {
	return len(s.order)
}

// Add selects item. Adding a selected item is a no-op.
func (s *Set[T]) Add(item T) {
	k := s.key(item)
	if _, ok := s.items[k]; ok {
		return
	}
	s.items[k] = item
	s.order = append(s.order, k)
}

// Remove deselects item.
func (s *Set[T]) Remove(item T) {
	k := s.key(item)
	if _, ok := s.items[k]; !ok {
		return
	}
	delete(s.items, k)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == k })
}

// Toggle flips membership of item and reports whether it is now selected.
func (s *Set[T]) Toggle(item T) bool {
	if s.Has(item) {
		s.Remove(item)
		return false
	}
	s.Add(item)
	return true
}

// AllSelected reports whether every item of all is selected and nothing else
// is. An empty collection is never all-selected.
func (s *Set[T]) AllSelected(all []T) bool {
	if len(all) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(all))
	for _, item := range all {
		k := s.key(item)
		if _, ok := s.items[k]; !ok {
			return false
		}
		seen[k] = struct{}{}
	}
	return len(seen) == len(s.items)
}

// SelectAll toggles between the two extremes: if all is already fully
// selected the set is cleared, otherwise it becomes exactly all.
func (s *Set[T]) SelectAll(all []T) {
	if s.AllSelected(all) {
		s.Clear()
		return
	}
	s.Clear()
	for _, item := range all {
		s.Add(item)
	}
}

// Clear deselects everything.
func (s *Set[T]) Clear() {
	clear(s.items)
	s.order = nil
}

// Items returns the selected items in selection order.
func (s *Set[T]) Items() []T {
	out := make([]T, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}

// In returns the selected members of all, in the order of all.
func (s *Set[T]) In(all []T) []T {
	var out []T
	for _, item := range all {
		if s.Has(item) {
			out = append(out, item)
		}
	}
	return out
}

// Retain drops every selected item whose key does not appear in all.
func (s *Set[T]) Retain(all []T) {
	keep := make(map[string]struct{}, len(all))
	for _, item := range all {
		keep[s.key(item)] = struct{}{}
	}
	for _, k := range slices.Clone(s.order) {
		if _, ok := keep[k]; !ok {
			delete(s.items, k)
			s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == k })
		}
	}
}

// Clone returns an independent copy sharing the key function.
func (s *Set[T]) Clone() *Set[T] {
	if s == nil {
		return nil
	}
	c := &Set[T]{
		key:   s.key,
		items: make(map[string]T, len(s.items)),
		order: slices.Clone(s.order),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	return c
}
