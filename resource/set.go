package resource

// Set is an ordered collection of unique handles. Insertion order is kept
// so that compaction is stable; adding a handle already present is a
// no-op. There is no removal: sets only grow.
//
// A Set is not safe for concurrent mutation.
type Set struct {
	order []Handle
	index map[Handle]int
}

// NewSet returns a set holding the unique handles of hs in order.
func NewSet(hs ...Handle) *Set {
	s := &Set{index: make(map[Handle]int, len(hs))}
	s.Add(hs...)
	return s
}

// Add appends handles not yet present and returns how many were new.
func (s *Set) Add(hs ...Handle) int {
	if s.index == nil {
		s.index = make(map[Handle]int, len(hs))
	}
	added := 0
	for _, h := range hs {
		if _, ok := s.index[h]; ok {
			continue
		}
		s.index[h] = len(s.order)
		s.order = append(s.order, h)
		added++
	}
	return added
}

// Contains reports whether h is in the set.
func (s *Set) Contains(h Handle) bool {
	_, ok := s.index[h]
	return ok
}

// Index returns the insertion position of h, or -1.
func (s *Set) Index(h Handle) int {
	if i, ok := s.index[h]; ok {
		return i
	}
	return -1
}

// Len returns the number of handles.
func (s *Set) Len() int { return len(s.order) }

// Handles returns a copy of the handles in insertion order.
func (s *Set) Handles() []Handle {
	out := make([]Handle, len(s.order))
	copy(out, s.order)
	return out
}

// Missing returns the handles of hs that are not in the set, in the order
// given, without duplicates.
func (s *Set) Missing(hs []Handle) []Handle {
	var out []Handle
	seen := make(map[Handle]struct{})
	for _, h := range hs {
		if s.Contains(h) {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return NewSet(s.order...)
}

// Unique returns hs with duplicates removed, first occurrence wins.
func Unique(hs []Handle) []Handle {
	return NewSet(hs...).Handles()
}
