// Package storage persists result bytes: S3 when configured, local disk
// otherwise. Running without object storage is a supported mode, not an
// error.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"reelforge/internal/config"
)

// Metadata describes a stored object.
type Metadata struct {
	ContentType   string
	ContentLength int64
}

// ObjectStore is the byte persistence contract the handlers call.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, *Metadata, error)
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}

// New picks the store: S3 when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config) (ObjectStore, error) {
	if cfg.S3Bucket == "" {
		return NewLocal(cfg.MediaDir), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// S3Store persists objects to one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func (s *S3Store) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, *Metadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}
	meta := &Metadata{ContentType: aws.ToString(out.ContentType), ContentLength: aws.ToInt64(out.ContentLength)}
	return out.Body, meta, nil
}

func (s *S3Store) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	return &Metadata{ContentType: aws.ToString(out.ContentType), ContentLength: aws.ToInt64(out.ContentLength)}, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// LocalStore writes objects under a base directory; keys become relative
// paths.
type LocalStore struct {
	baseDir string
}

// NewLocal builds a disk-backed store rooted at baseDir.
func NewLocal(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./media"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.baseDir, sanitizeKey(key))
}

func (l *LocalStore) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + path, nil
}

func (l *LocalStore) GetStream(_ context.Context, key string) (io.ReadCloser, *Metadata, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, &Metadata{ContentLength: info.Size()}, nil
}

func (l *LocalStore) GetMetadata(_ context.Context, key string) (*Metadata, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &Metadata{ContentLength: info.Size()}, nil
}

// sanitizeKey roots the key before cleaning so ".." segments cannot climb
// out of the base directory.
func sanitizeKey(key string) string {
	key = filepath.Clean(string(filepath.Separator) + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}
