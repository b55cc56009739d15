package reconcile

// seenSet remembers the most recent dedup keys, evicting the oldest once full.
type seenSet struct {
	keys  map[string]struct{}
	order []string
	head  int
	limit int
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = 1
	}
	return &seenSet{keys: make(map[string]struct{}, limit), limit: limit}
}

func (s *seenSet) has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *seenSet) add(key string) {
	if key == "" || s.has(key) {
		return
	}
	if len(s.order) < s.limit {
		s.order = append(s.order, key)
	} else {
		delete(s.keys, s.order[s.head])
		s.order[s.head] = key
		s.head = (s.head + 1) % s.limit
	}
	s.keys[key] = struct{}{}
}

func (s *seenSet) len() int { return len(s.keys) }
