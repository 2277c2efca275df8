// Copyright 2025 James Ross

// Package store is a thin typed facade over the Redis primitives the
// dispatch broker needs: a submission list, per-job hashes, and prefix
// scans over the job registry keyspace. It exists so callers depend on a
// small verb-oriented interface instead of the full redis.Cmdable surface.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the operation set the job registry and dispatch loop use to talk
// to Redis. It wraps any redis.Cmdable: a single redis.Client in production,
// or in tests a client pointed at miniredis.
type Store struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// ListPushLeft pushes a value onto the head of a list (LPUSH).
func (s *Store) ListPushLeft(ctx context.Context, key, value string) error {
	return s.rdb.LPush(ctx, key, value).Err()
}

// ListPopRight pops a value off the tail of a list (RPOP), returning
// redis.Nil when the list is empty.
func (s *Store) ListPopRight(ctx context.Context, key string) (string, error) {
	return s.rdb.RPop(ctx, key).Result()
}

// ListLen returns the current length of a list.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// HashGetAll returns every field of a hash key.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// HashGet returns a single field of a hash key.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	return s.rdb.HGet(ctx, key, field).Result()
}

// HashSet writes one or more fields of a hash key. fields must be an even
// number of field/value pairs, mirroring HSET's variadic form.
func (s *Store) HashSet(ctx context.Context, key string, fields ...interface{}) error {
	return s.rdb.HSet(ctx, key, fields...).Err()
}

// Delete removes a key entirely.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// KeyExists reports whether a key is present.
func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ScanByPrefix returns every key matching prefix+"*" using a cursor scan so
// large keyspaces are walked without blocking the server.
func (s *Store) ScanByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// StringGet returns a plain string value.
func (s *Store) StringGet(ctx context.Context, key string) (string, error) {
	return s.rdb.Get(ctx, key).Result()
}

// StringSet writes a plain string value with an optional TTL (0 means no expiry).
func (s *Store) StringSet(ctx context.Context, key, value string, ttlSeconds int64) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// IsNil reports whether err is the Redis "no such key" sentinel, so callers
// can distinguish a missing key from a genuine I/O error without importing
// redis directly.
func IsNil(err error) bool {
	return err == redis.Nil
}
