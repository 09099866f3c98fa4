// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	type entry struct {
		Name  string `cbor:"1,keyasint"`
		Count int    `cbor:"2,keyasint"`
	}

	var decoded entry
	found, err := s.Get(ctx, "missing", &decoded)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("missing key reported present")
	}

	if err := s.Put(ctx, "e1", entry{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	found, err = s.Get(ctx, "e1", &decoded)
	if err != nil || !found {
		t.Fatalf("Get after Put: found=%v err=%v", found, err)
	}
	if decoded.Name != "alpha" || decoded.Count != 3 {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := s.Delete(ctx, "e1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, _ = s.Get(ctx, "e1", &decoded); found {
		t.Error("deleted key still present")
	}
	if err := s.Delete(ctx, "e1"); err != nil {
		t.Errorf("deleting absent key: %v", err)
	}
}

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	counter := s.Counter("connected.probes")
	if value, err := counter.Get(ctx); err != nil || value != 0 {
		t.Fatalf("fresh counter = %d, %v", value, err)
	}
	if value, err := counter.Inc(ctx); err != nil || value != 1 {
		t.Fatalf("Inc = %d, %v", value, err)
	}
	if value, err := counter.Dec(ctx); err != nil || value != 0 {
		t.Fatalf("Dec = %d, %v", value, err)
	}

	// Concurrent increments must not lose updates.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter.Inc(ctx)
		}()
	}
	wg.Wait()
	if value, _ := counter.Get(ctx); value != 50 {
		t.Errorf("after 50 concurrent Incs: %d", value)
	}
}

func TestMemoryMap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	m := s.Map("active.probes")

	stored, err := m.PutIfAbsent(ctx, "probe-a", "first")
	if err != nil || !stored {
		t.Fatalf("PutIfAbsent on empty: %v, %v", stored, err)
	}
	stored, err = m.PutIfAbsent(ctx, "probe-a", "second")
	if err != nil || stored {
		t.Fatalf("PutIfAbsent on existing: %v, %v", stored, err)
	}
	var value string
	if found, _ := m.Get(ctx, "probe-a", &value); !found || value != "first" {
		t.Errorf("PutIfAbsent overwrote: %q", value)
	}

	if err := m.Put(ctx, "probe-b", "other"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if size, _ := m.Size(ctx); size != 2 {
		t.Errorf("Size = %d, want 2", size)
	}
	keys, err := m.Keys(ctx)
	if err != nil || len(keys) != 2 {
		t.Errorf("Keys = %v, %v", keys, err)
	}
	values, err := m.Values(ctx)
	if err != nil || len(values) != 2 {
		t.Errorf("Values length = %d, %v", len(values), err)
	}

	removed, err := m.Remove(ctx, "probe-a")
	if err != nil || !removed {
		t.Fatalf("Remove: %v, %v", removed, err)
	}
	removed, err = m.Remove(ctx, "probe-a")
	if err != nil || removed {
		t.Errorf("second Remove reported presence")
	}
}

func TestMemoryReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	s.Put(ctx, "k", "v")
	s.Counter("c").Inc(ctx)
	s.Map("m").Put(ctx, "k", "v")

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	var value string
	if found, _ := s.Get(ctx, "k", &value); found {
		t.Error("kv entry survived reset")
	}
	if count, _ := s.Counter("c").Get(ctx); count != 0 {
		t.Error("counter survived reset")
	}
	if size, _ := s.Map("m").Size(ctx); size != 0 {
		t.Error("map survived reset")
	}
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Close()

	if err := s.Put(ctx, "k", "v"); err != ErrClosed {
		t.Errorf("Put on closed store: %v", err)
	}
	if _, err := s.Counter("c").Inc(ctx); err != ErrClosed {
		t.Errorf("Inc on closed store: %v", err)
	}
	if _, err := s.Map("m").Keys(ctx); err != ErrClosed {
		t.Errorf("Keys on closed store: %v", err)
	}
}
