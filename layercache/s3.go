package layercache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"vgraph/cas"
)

// S3Config configures the object storage tier.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Backend stores blobs in an S3-compatible bucket, one object per address.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Backend creates a client for cfg. The bucket must already exist.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Region: cfg.Region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cas"
	}
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3Backend) Name() string { return "s3" }

// objectName fans objects out by the first hash byte.
func (s *S3Backend) objectName(addr cas.Hash) string {
	hex := addr.String()
	return path.Join(s.prefix, hex[:2], hex)
}

func isNotFound(err error) bool {
	var s3Err minio.ErrorResponse
	return errors.As(err, &s3Err) && s3Err.StatusCode == http.StatusNotFound
}

func (s *S3Backend) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(addr), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", addr.Short(), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", addr.Short(), err)
	}
	return data, nil
}

func (s *S3Backend) Put(ctx context.Context, addr cas.Hash, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(addr), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put object %s: %w", addr.Short(), err)
	}
	return nil
}

func (s *S3Backend) Delete(ctx context.Context, addr cas.Hash) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(addr), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove object %s: %w", addr.Short(), err)
	}
	return nil
}

func (s *S3Backend) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectName(addr), minio.StatObjectOptions{})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", addr.Short(), err)
	}
	return true, nil
}
