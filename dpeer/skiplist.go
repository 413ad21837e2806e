package dpeer

import "slices"

// SkipList is the set of peers a join request has already visited.
//
// A SkipList is never modified in place once it has been shared;
// [SkipList.With] returns a new list,
// so that a request forwarded to several peers
// does not have its list altered by a sibling branch.
type SkipList struct {
	ids []ID
}

// NewSkipList returns a SkipList containing ids, ignoring duplicates.
func NewSkipList(ids ...ID) SkipList {
	var s SkipList
	for _, id := range ids {
		if !s.Contains(id) {
			s.ids = append(s.ids, id)
		}
	}
	return s
}

// Contains reports whether id has already been visited.
// Peers are matched by key only.
func (s SkipList) Contains(id ID) bool {
	return slices.ContainsFunc(s.ids, func(v ID) bool {
		return v.Key == id.Key
	})
}

// With returns a copy of s with the given ids appended.
// IDs already in s are not duplicated.
func (s SkipList) With(ids ...ID) SkipList {
	out := SkipList{
		ids: slices.Clone(s.ids),
	}
	for _, id := range ids {
		if !out.Contains(id) {
			out.ids = append(out.ids, id)
		}
	}
	return out
}

// Len returns the number of peers in s.
func (s SkipList) Len() int {
	return len(s.ids)
}

// IDs returns a copy of the peers in s, in visit order.
func (s SkipList) IDs() []ID {
	return slices.Clone(s.ids)
}
