// Copyright 2025 James Ross
package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/imagegen-broker/internal/config"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLocalStore(config.ObjectStore{StaticDir: dir, BaseURL: "http://localhost:8080"})
	require.NoError(t, err)
	return s
}

func TestLocalStoreUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	key, err := s.Upload(ctx, []byte("hello"), "input/req-1")
	require.NoError(t, err)
	require.Contains(t, key, "input/req-1/")

	data, err := s.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLocalStorePresignedURL(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	url, err := s.PresignedURL(ctx, "output/req-1/abc", 0)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/image/output/req-1/abc", url)
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	_, err := s.Download(ctx, "../../etc/passwd")
	require.Error(t, err)
}

func TestNewPicksLocalStoreWithoutS3Config(t *testing.T) {
	dir := t.TempDir()
	store, err := New(config.ObjectStore{StaticDir: dir, BaseURL: "http://localhost:8080"})
	require.NoError(t, err)
	_, ok := store.(*LocalStore)
	require.True(t, ok)
}

func TestNewPicksS3StoreWithBucketAndRegion(t *testing.T) {
	store, err := New(config.ObjectStore{S3Bucket: "my-bucket", S3Region: "us-east-1"})
	require.NoError(t, err)
	_, ok := store.(*S3Store)
	require.True(t, ok)
}
