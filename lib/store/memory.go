// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"

	"github.com/livetap/livetap/lib/codec"
)

// MemoryStore is a process-local CoreStore. Values round-trip through
// CBOR so decoding behaves identically to the Redis backend.
type MemoryStore struct {
	mu       sync.RWMutex
	closed   bool
	entries  map[string][]byte
	counters map[string]int64
	maps     map[string]map[string][]byte
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string][]byte),
		counters: make(map[string]int64),
		maps:     make(map[string]map[string][]byte),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string, value any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	raw, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	return true, codec.Unmarshal(raw, value)
}

func (s *MemoryStore) Put(ctx context.Context, key string, value any) error {
	raw, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[key] = raw
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Counter(name string) Counter {
	return &memoryCounter{store: s, name: name}
}

func (s *MemoryStore) Map(name string) Map {
	return &memoryMap{store: s, name: name}
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string][]byte)
	s.counters = make(map[string]int64)
	s.maps = make(map[string]map[string][]byte)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryCounter struct {
	store *MemoryStore
	name  string
}

func (c *memoryCounter) Inc(ctx context.Context) (int64, error) { return c.add(1) }
func (c *memoryCounter) Dec(ctx context.Context) (int64, error) { return c.add(-1) }

func (c *memoryCounter) add(delta int64) (int64, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return 0, ErrClosed
	}
	c.store.counters[c.name] += delta
	return c.store.counters[c.name], nil
}

func (c *memoryCounter) Get(ctx context.Context) (int64, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if c.store.closed {
		return 0, ErrClosed
	}
	return c.store.counters[c.name], nil
}

type memoryMap struct {
	store *MemoryStore
	name  string
}

// entriesLocked returns the backing map, allocating on first write.
// Callers hold the store lock.
func (m *memoryMap) entriesLocked() map[string][]byte {
	entries, ok := m.store.maps[m.name]
	if !ok {
		entries = make(map[string][]byte)
		m.store.maps[m.name] = entries
	}
	return entries
}

func (m *memoryMap) Get(ctx context.Context, key string, value any) (bool, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	if m.store.closed {
		return false, ErrClosed
	}
	raw, ok := m.store.maps[m.name][key]
	if !ok {
		return false, nil
	}
	return true, codec.Unmarshal(raw, value)
}

func (m *memoryMap) Put(ctx context.Context, key string, value any) error {
	raw, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.closed {
		return ErrClosed
	}
	m.entriesLocked()[key] = raw
	return nil
}

func (m *memoryMap) PutIfAbsent(ctx context.Context, key string, value any) (bool, error) {
	raw, err := codec.Marshal(value)
	if err != nil {
		return false, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.closed {
		return false, ErrClosed
	}
	entries := m.entriesLocked()
	if _, exists := entries[key]; exists {
		return false, nil
	}
	entries[key] = raw
	return true, nil
}

func (m *memoryMap) Remove(ctx context.Context, key string) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.closed {
		return false, ErrClosed
	}
	entries := m.store.maps[m.name]
	if _, exists := entries[key]; !exists {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

func (m *memoryMap) Keys(ctx context.Context) ([]string, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	if m.store.closed {
		return nil, ErrClosed
	}
	entries := m.store.maps[m.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *memoryMap) Values(ctx context.Context) ([]codec.RawMessage, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	if m.store.closed {
		return nil, ErrClosed
	}
	entries := m.store.maps[m.name]
	values := make([]codec.RawMessage, 0, len(entries))
	for _, raw := range entries {
		values = append(values, codec.RawMessage(raw))
	}
	return values, nil
}

func (m *memoryMap) Size(ctx context.Context) (int64, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	if m.store.closed {
		return 0, ErrClosed
	}
	return int64(len(m.store.maps[m.name])), nil
}
