package telemetry

// Store is an ordered mapping from property name to [Value]. Insertion
// order is preserved: a new name is appended, an existing name keeps its
// position when overwritten. Store is owned by a single control goroutine
// and is not safe for concurrent use.
type Store struct {
	order []string
	index map[string]int
	vals  map[string]Value
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		index: make(map[string]int),
		vals:  make(map[string]Value),
	}
}

// Set records v under name. Last write wins. Overwriting a units-bearing
// entry with another units-bearing value updates the pair in place.
func (s *Store) Set(name string, v Value) {
	if _, ok := s.index[name]; !ok {
		s.index[name] = len(s.order)
		s.order = append(s.order, name)
	}
	s.vals[name] = v
}

// Remove deletes name. Removing an unknown name is a no-op.
func (s *Store) Remove(name string) {
	pos, ok := s.index[name]
	if !ok {
		return
	}
	s.order = append(s.order[:pos], s.order[pos+1:]...)
	delete(s.index, name)
	delete(s.vals, name)
	for i := pos; i < len(s.order); i++ {
		s.index[s.order[i]] = i
	}
}

// Get returns the value stored under name.
func (s *Store) Get(name string) (Value, bool) {
	v, ok := s.vals[name]
	return v, ok
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.order) }

// Names returns the entry names in order. The slice is a copy.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (s *Store) Range(fn func(name string, v Value) bool) {
	for _, name := range s.order {
		if !fn(name, s.vals[name]) {
			return
		}
	}
}
