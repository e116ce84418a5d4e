package delivery

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// seenSet remembers the most recent message ids. Ids are added once and
// never touched again, so eviction is oldest-first.
type seenSet struct {
	ids *lru.Cache[string, struct{}]
}

func newSeenSet(size int) *seenSet {
	if size < 1 {
		size = 1
	}
	// lru.New only fails for non-positive sizes.
	ids, _ := lru.New[string, struct{}](size)
	return &seenSet{ids: ids}
}

// observe records id and reports whether it was new.
func (s *seenSet) observe(id string) bool {
	if s.ids.Contains(id) {
		return false
	}
	s.ids.Add(id, struct{}{})
	return true
}

func (s *seenSet) len() int {
	return s.ids.Len()
}
