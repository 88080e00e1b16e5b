package locks

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests.
type MemoryStore struct {
	mu     sync.Mutex
	held   map[string]memLock
	fences map[string]uint64

	// FailNext forces the next operation to return this error, for
	// exercising the fail-closed path.
	FailNext error
}

type memLock struct {
	token     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		held:   make(map[string]memLock),
		fences: make(map[string]uint64),
	}
}

func (s *MemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *MemoryStore) Acquire(_ context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	if l, ok := s.held[key]; ok && time.Now().Before(l.expiresAt) {
		return false, nil
	}
	s.held[key] = memLock{token: token, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string, token []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	l, ok := s.held[key]
	if !ok || !bytes.Equal(l.token, token) || time.Now().After(l.expiresAt) {
		return false, nil
	}
	delete(s.held, key)
	return true, nil
}

func (s *MemoryStore) NextFence(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	s.fences[key]++
	return s.fences[key], nil
}

var _ Store = (*MemoryStore)(nil)
