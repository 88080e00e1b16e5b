package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Client used by tests and by local development
// when Redis is unavailable. Script execution is not supported; packages
// that need atomic scripts hide them behind their own store interfaces.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[string][]func([]byte)
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// ErrEvalUnsupported is returned by Memory.Eval.
var ErrEvalUnsupported = errors.New("kv: memory client does not execute scripts")

// NewMemory creates an empty in-memory client.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		subs:    make(map[string][]func([]byte)),
	}
}

func (m *Memory) live(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, ok := m.live(key); ok {
		for _, c := range v {
			if c < '0' || c > '9' {
				return 0, errors.New("kv: value is not an integer")
			}
			n = n*10 + int64(c-'0')
		}
	}
	n++
	m.entries[key] = memEntry{value: []byte(itoa(n))}
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.live(key); ok {
		m.entries[key] = memEntry{value: v, expiresAt: deadline(ttl)}
	}
	return nil
}

func (m *Memory) Eval(context.Context, string, []string, ...interface{}) (interface{}, error) {
	return nil, ErrEvalUnsupported
}

func (m *Memory) Publish(_ context.Context, channel string, message []byte) error {
	m.mu.Lock()
	handlers := append([]func([]byte){}, m.subs[channel]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], handler)
	idx := len(m.subs[channel]) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		if idx < len(subs) {
			m.subs[channel] = append(subs[:idx], subs[idx+1:]...)
		}
	}, nil
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var _ Client = (*Memory)(nil)
