// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/livetap/livetap/lib/codec"
)

// Key layout: kv entries under <prefix>:kv:<key>, counters under
// <prefix>:counter:<name>, maps as hashes under <prefix>:map:<name>.

// RedisStore is a CoreStore backed by a Redis deployment, shared by
// every platform node in a cluster.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions selects the Redis deployment and key namespace.
type RedisOptions struct {
	// Addrs are the Redis endpoints. More than one address selects
	// cluster mode.
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`

	// KeyPrefix namespaces all platform keys. Defaults to "livetap".
	KeyPrefix string `yaml:"keyPrefix"`
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping.
func NewRedisStore(ctx context.Context, options RedisOptions) (*RedisStore, error) {
	if len(options.Addrs) == 0 {
		return nil, errors.New("store: no redis addresses configured")
	}
	prefix := options.KeyPrefix
	if prefix == "" {
		prefix = "livetap"
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    options.Addrs,
		Password: options.Password,
		DB:       options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: connecting to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) kvKey(key string) string {
	return s.prefix + ":kv:" + key
}

func (s *RedisStore) Get(ctx context.Context, key string, value any) (bool, error) {
	raw, err := s.client.Get(ctx, s.kvKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: redis get %q: %w", key, err)
	}
	return true, codec.Unmarshal(raw, value)
}

func (s *RedisStore) Put(ctx context.Context, key string, value any) error {
	raw, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.kvKey(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.kvKey(key)).Err(); err != nil {
		return fmt.Errorf("store: redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Counter(name string) Counter {
	return &redisCounter{client: s.client, key: s.prefix + ":counter:" + name}
}

func (s *RedisStore) Map(name string) Map {
	return &redisMap{client: s.client, key: s.prefix + ":map:" + name}
}

// Reset deletes every key under the store's prefix via SCAN, never
// FLUSHDB, so an instance sharing a Redis database with other
// applications only clears its own namespace.
func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("store: redis reset: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store: redis reset scan: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisCounter struct {
	client redis.UniversalClient
	key    string
}

func (c *redisCounter) Inc(ctx context.Context) (int64, error) {
	value, err := c.client.IncrBy(ctx, c.key, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis incr %q: %w", c.key, err)
	}
	return value, nil
}

func (c *redisCounter) Dec(ctx context.Context) (int64, error) {
	value, err := c.client.DecrBy(ctx, c.key, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis decr %q: %w", c.key, err)
	}
	return value, nil
}

func (c *redisCounter) Get(ctx context.Context) (int64, error) {
	value, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: redis counter get %q: %w", c.key, err)
	}
	return value, nil
}

type redisMap struct {
	client redis.UniversalClient
	key    string
}

func (m *redisMap) Get(ctx context.Context, key string, value any) (bool, error) {
	raw, err := m.client.HGet(ctx, m.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: redis hget %q: %w", key, err)
	}
	return true, codec.Unmarshal(raw, value)
}

func (m *redisMap) Put(ctx context.Context, key string, value any) error {
	raw, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	if err := m.client.HSet(ctx, m.key, key, raw).Err(); err != nil {
		return fmt.Errorf("store: redis hset %q: %w", key, err)
	}
	return nil
}

func (m *redisMap) PutIfAbsent(ctx context.Context, key string, value any) (bool, error) {
	raw, err := codec.Marshal(value)
	if err != nil {
		return false, err
	}
	stored, err := m.client.HSetNX(ctx, m.key, key, raw).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis hsetnx %q: %w", key, err)
	}
	return stored, nil
}

func (m *redisMap) Remove(ctx context.Context, key string) (bool, error) {
	removed, err := m.client.HDel(ctx, m.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis hdel %q: %w", key, err)
	}
	return removed > 0, nil
}

func (m *redisMap) Keys(ctx context.Context) ([]string, error) {
	keys, err := m.client.HKeys(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis hkeys %q: %w", m.key, err)
	}
	return keys, nil
}

func (m *redisMap) Values(ctx context.Context) ([]codec.RawMessage, error) {
	raw, err := m.client.HVals(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis hvals %q: %w", m.key, err)
	}
	values := make([]codec.RawMessage, 0, len(raw))
	for _, entry := range raw {
		values = append(values, codec.RawMessage(entry))
	}
	return values, nil
}

func (m *redisMap) Size(ctx context.Context) (int64, error) {
	size, err := m.client.HLen(ctx, m.key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis hlen %q: %w", m.key, err)
	}
	return size, nil
}
