package p2p

import "sync"

// seenSet is a bounded FIFO set of envelope ids used for duplicate
// suppression. When the set reaches its cap, the oldest half is evicted.
type seenSet struct {
	mu    sync.Mutex
	max   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(max int) *seenSet {
	return &seenSet{max: max, ids: make(map[string]struct{}, max)}
}

// CheckAndMark reports whether id was already present, inserting it if not.
func (s *seenSet) CheckAndMark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return true
	}
	s.insert(id)
	return false
}

// Mark inserts id unconditionally.
func (s *seenSet) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	s.insert(id)
}

func (s *seenSet) insert(id string) {
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.max {
		evict := s.max / 2
		for _, old := range s.order[:evict] {
			delete(s.ids, old)
		}
		s.order = append([]string(nil), s.order[evict:]...)
	}
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
