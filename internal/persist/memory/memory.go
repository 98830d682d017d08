// Package memory is a thread-safe in-memory snapshot engine. It is intended
// for tests and for running without a durable store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/ledgersync/internal/persist"
)

// Store keeps snapshots in a map.
type Store struct {
	mu     sync.RWMutex
	slots  map[string][]byte
	closed bool
}

var _ persist.Adapter = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{slots: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, persist.ErrClosed
	}
	v, ok := s.slots[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return cloneBytes(v), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persist.ErrClosed
	}
	s.slots[key] = cloneBytes(value)
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persist.ErrClosed
	}
	delete(s.slots, key)
	return nil
}

func (s *Store) RemoveAll(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persist.ErrClosed
	}
	for _, k := range keys {
		delete(s.slots, k)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Keys lists stored slot keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
