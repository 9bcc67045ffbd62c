package rbac

import "sort"

// Selection is the checkbox state of a role's permission editor.
type Selection struct {
	catalog  map[int64]struct{}
	selected map[int64]struct{}
}

// NewSelection builds a selection over catalog with the given ids pre-selected.
// Ids outside the catalog are ignored.
func NewSelection(catalog []Permission, selected []int64) *Selection {
	s := &Selection{
		catalog:  make(map[int64]struct{}, len(catalog)),
		selected: make(map[int64]struct{}, len(selected)),
	}
	for _, p := range catalog {
		s.catalog[p.ID] = struct{}{}
	}
	for _, id := range selected {
		if _, ok := s.catalog[id]; ok {
			s.selected[id] = struct{}{}
		}
	}
	return s
}

// Toggle flips one permission.
func (s *Selection) Toggle(id int64) {
	if _, ok := s.catalog[id]; !ok {
		return
	}
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
		return
	}
	s.selected[id] = struct{}{}
}

// SelectAll selects every catalog entry.
func (s *Selection) SelectAll() {
	for id := range s.catalog {
		s.selected[id] = struct{}{}
	}
}

// Clear deselects everything.
func (s *Selection) Clear() {
	s.selected = make(map[int64]struct{}, len(s.catalog))
}

// IsSelected reports whether id is selected.
func (s *Selection) IsSelected(id int64) bool {
	_, ok := s.selected[id]
	return ok
}

// IsSelectAll holds exactly when every catalog entry is selected, an empty catalog included.
func (s *Selection) IsSelectAll() bool {
	return len(s.selected) == len(s.catalog)
}

// Len returns the number of selected permissions.
func (s *Selection) Len() int { return len(s.selected) }

// IDs returns the selected ids in ascending order.
func (s *Selection) IDs() []int64 {
	out := make([]int64, 0, len(s.selected))
	for id := range s.selected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
