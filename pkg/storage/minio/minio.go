// Package minio provides an object store backed by the minio-go SDK, the
// native client for the MinIO deployments tableflow was first built on.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/storage/object"
)

// Config configures the MinIO client.
type Config struct {
	Endpoint        string // host:port or URL
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	UseSSL          bool
	// CreateBucket makes the bucket on first use when it is missing.
	CreateBucket     bool
	OperationTimeout time.Duration
}

// Store implements object.Store. It does not implement object.Versioned;
// point the ingestion registry at the s3 store or redis when sources live
// on MinIO.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New creates a MinIO store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, lferrors.New(lferrors.CodeConfig, "minio endpoint and bucket are required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}

	endpoint, useSSL := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, lferrors.Wrap(err, lferrors.CodeConfig, "create minio client")
	}

	s := &Store{client: client, cfg: cfg}
	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return classify(err, "bucket exists")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return classify(err, "make bucket")
	}
	return nil
}

// Scheme returns "minio".
func (s *Store) Scheme() string { return "minio" }

// List lists objects under prefix recursively.
func (s *Store) List(ctx context.Context, prefix string) ([]object.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	var out []object.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(obj.Err, "list "+prefix)
		}
		out = append(out, object.ObjectInfo{
			Path:        obj.Key,
			Size:        obj.Size,
			Fingerprint: strings.Trim(obj.ETag, `"`),
			ModTime:     obj.LastModified,
		})
	}
	return out, nil
}

// Get reads an object.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err, "get "+key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err, "get "+key)
	}
	return data, nil
}

// Put writes an object.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	ct := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		ct = "application/json"
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: ct,
	})
	if err != nil {
		return classify(err, "put "+key)
	}
	return nil
}

// Delete removes an object. S3-compatible servers treat a missing key as
// success.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify(err, "delete "+key)
	}
	return nil
}

func classify(err error, op string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return fmt.Errorf("%s: %w", op, object.ErrNotFound)
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return lferrors.Wrap(err, lferrors.CodeConfig, op)
	}
	return lferrors.Transient(err, op)
}
