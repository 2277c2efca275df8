// Copyright 2025 James Ross

// Package objectstore implements the upload/download/presigned_url
// contract spec.md §6 requires of the object store, with an S3-compatible
// backend (grounded on the teacher's internal/long-term-archives S3
// exporter) and a local-filesystem fallback served over HTTP, satisfying
// the same contract either way.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"

	"github.com/jamesross/imagegen-broker/internal/config"
)

// Store is the blob I/O contract the dispatch loop and HTTP layer depend
// on; both backends below satisfy it identically.
type Store interface {
	Upload(ctx context.Context, data []byte, keyPrefix string) (key string, err error)
	Download(ctx context.Context, key string) ([]byte, error)
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// New picks an S3Store when bucket/region are configured, else falls back
// to a LocalStore rooted at StaticDir.
func New(cfg config.ObjectStore) (Store, error) {
	if cfg.S3Bucket != "" && cfg.S3Region != "" {
		return NewS3Store(cfg)
	}
	return NewLocalStore(cfg)
}

// S3Store uploads/downloads blobs to an S3-compatible bucket and mints
// presigned GET URLs.
type S3Store struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Store builds an S3Store from config.
func NewS3Store(cfg config.ObjectStore) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.S3Region)})
	if err != nil {
		return nil, fmt.Errorf("new aws session: %w", err)
	}
	return &S3Store{
		bucket:   cfg.S3Bucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, data []byte, keyPrefix string) (string, error) {
	key := strings.TrimSuffix(keyPrefix, "/") + "/" + uuid.NewString()
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return key, nil
}

func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 download %s: %w", key, err)
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("s3 read body %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *S3Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", key, err)
	}
	return url, nil
}

// LocalStore is the filesystem fallback: blobs live under StaticDir and
// are served back out over HTTP at BaseURL + "/image/" + key.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore builds a LocalStore rooted at cfg.StaticDir.
func NewLocalStore(cfg config.ObjectStore) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.StaticDir, 0o755); err != nil {
		return nil, fmt.Errorf("create static dir %s: %w", cfg.StaticDir, err)
	}
	return &LocalStore{dir: cfg.StaticDir, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

func (l *LocalStore) Upload(ctx context.Context, data []byte, keyPrefix string) (string, error) {
	key := strings.TrimSuffix(keyPrefix, "/") + "/" + uuid.NewString()
	full := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	return key, nil
}

func (l *LocalStore) Download(ctx context.Context, key string) ([]byte, error) {
	full, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}

// PresignedURL has no real signature for the local fallback; it returns a
// plain static URL, since the directory is already HTTP-served.
func (l *LocalStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return l.baseURL + "/image/" + key, nil
}

// resolve guards against path traversal: the resolved absolute path must
// stay under the store's root directory.
func (l *LocalStore) resolve(key string) (string, error) {
	root, err := filepath.Abs(l.dir)
	if err != nil {
		return "", err
	}
	full, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal rejected: %s", key)
	}
	return full, nil
}

// Root exposes the store's root directory for the HTTP static file handler.
func (l *LocalStore) Root() string { return l.dir }
