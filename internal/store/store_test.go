// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestListPushPopLen(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.ListPushLeft(ctx, "submissions_queue", "job-1"))
	require.NoError(t, s.ListPushLeft(ctx, "submissions_queue", "job-2"))

	n, err := s.ListLen(ctx, "submissions_queue")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	v, err := s.ListPopRight(ctx, "submissions_queue")
	require.NoError(t, err)
	require.Equal(t, "job-1", v)

	_, err = s.ListPopRight(ctx, "empty_queue")
	require.True(t, IsNil(err))
}

func TestHashSetGetAll(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.HashSet(ctx, "job:abc", "status", "queued", "attempt", "1"))

	status, err := s.HashGet(ctx, "job:abc", "status")
	require.NoError(t, err)
	require.Equal(t, "queued", status)

	all, err := s.HashGetAll(ctx, "job:abc")
	require.NoError(t, err)
	require.Equal(t, "1", all["attempt"])
}

func TestKeyExistsAndScanByPrefix(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.HashSet(ctx, "job:1", "status", "queued"))
	require.NoError(t, s.HashSet(ctx, "job:2", "status", "done"))

	ok, err := s.KeyExists(ctx, "job:1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.KeyExists(ctx, "job:missing")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := s.ScanByPrefix(ctx, "job:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"job:1", "job:2"}, keys)
}

func TestStringGetSet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.StringSet(ctx, "rate:sms", "1", 60))
	v, err := s.StringGet(ctx, "rate:sms")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}
