package tenant

import (
	"context"
	"sync"
	"time"
)

// MemoryWindowStore is the in-process WindowStore used by tests. It
// mirrors the Lua consume semantics under a single mutex.
type MemoryWindowStore struct {
	mu   sync.Mutex
	sets map[string][]windowMember

	// FailNext forces the next Consume to return this error.
	FailNext error
}

type windowMember struct {
	score  int64
	member string
}

// NewMemoryWindowStore creates an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{sets: make(map[string][]windowMember)}
}

func (s *MemoryWindowStore) Consume(_ context.Context, key string, windowStart, nowScore int64, limit int, member string, _ time.Duration) (int64, bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return 0, false, 0, err
	}

	kept := s.sets[key][:0]
	for _, m := range s.sets[key] {
		if m.score > windowStart {
			kept = append(kept, m)
		}
	}

	count := int64(len(kept))
	added := false
	if count < int64(limit) {
		kept = append(kept, windowMember{score: nowScore, member: member})
		count++
		added = true
	}
	s.sets[key] = kept

	var oldest int64
	for _, m := range kept {
		if oldest == 0 || m.score < oldest {
			oldest = m.score
		}
	}
	return count, added, oldest, nil
}

var _ WindowStore = (*MemoryWindowStore)(nil)
