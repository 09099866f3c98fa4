// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the shared state store used for cross-node
// coordination: key/value entries, atomic counters, and named maps.
// Two backends exist: MemoryStore for single-node deployments and
// tests, RedisStore for clusters. Values are CBOR-encoded.
package store

import (
	"context"
	"errors"

	"github.com/livetap/livetap/lib/codec"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Counter is a cluster-shared atomic counter.
type Counter interface {
	// Inc adds one and returns the new value.
	Inc(ctx context.Context) (int64, error)

	// Dec subtracts one and returns the new value.
	Dec(ctx context.Context) (int64, error)

	// Get returns the current value. Missing counters read as zero.
	Get(ctx context.Context) (int64, error)
}

// Map is a cluster-shared named map with CBOR-encoded values.
type Map interface {
	// Get decodes the entry for key into value. Reports whether the
	// key was present.
	Get(ctx context.Context, key string, value any) (bool, error)

	// Put stores value under key, replacing any existing entry.
	Put(ctx context.Context, key string, value any) error

	// PutIfAbsent stores value under key only when the key is not
	// present. Reports whether the value was stored.
	PutIfAbsent(ctx context.Context, key string, value any) (bool, error)

	// Remove deletes the entry for key. Reports whether the key was
	// present.
	Remove(ctx context.Context, key string) (bool, error)

	// Keys returns all keys, in no particular order.
	Keys(ctx context.Context) ([]string, error)

	// Values returns all raw entries, in no particular order. Callers
	// decode with codec.Unmarshal.
	Values(ctx context.Context) ([]codec.RawMessage, error)

	// Size returns the number of entries.
	Size(ctx context.Context) (int64, error)
}

// CoreStore is the storage surface shared by the platform components.
type CoreStore interface {
	// Get decodes the value stored under key. Reports presence.
	Get(ctx context.Context, key string, value any) (bool, error)

	// Put stores a value under key.
	Put(ctx context.Context, key string, value any) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Counter returns the named counter.
	Counter(name string) Counter

	// Map returns the named map.
	Map(name string) Map

	// Reset deletes all platform state: keys, counters, and maps.
	Reset(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
