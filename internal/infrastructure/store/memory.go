// Package store provides the PersistentStore backends shared by engine
// instances: an in-process map, Redis, and a GORM-managed SQLite file.
package store

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/erp/datasync/internal/domain/shared"
)

// MemoryStore keeps values in a map. Instances that share one MemoryStore
// behave like tabs sharing browser storage.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get returns a copy of the stored value
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, shared.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key; missing keys are ignored
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Keys lists keys starting with prefix
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// CompareAndSwap implements shared.CompareAndSwapper
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || !bytes.Equal(v, prev) {
		return false, nil
	}
	s.values[key] = append([]byte(nil), next...)
	return true, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored keys
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

var (
	_ shared.PersistentStore   = (*MemoryStore)(nil)
	_ shared.CompareAndSwapper = (*MemoryStore)(nil)
)
