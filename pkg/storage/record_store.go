package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3RecordStore stores election records in S3-compatible storage.
type S3RecordStore struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3RecordStoreConfig struct {
	Bucket          string
	Prefix          string // e.g. "records/"
	Region          string
	Endpoint        string // for MinIO
	AccessKeyID     string
	SecretAccessKey string
}

func NewS3RecordStore(ctx context.Context, cfg S3RecordStoreConfig) (*S3RecordStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 record store: bucket is required")
	}
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	return &S3RecordStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3RecordStore) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return nil
}

// Retrieve accepts either a key or an s3://bucket/key reference.
func (s *S3RecordStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3RecordStore) URI(prefix string) string {
	return fmt.Sprintf("s3://%s/%s%s", s.bucket, s.prefix, prefix)
}

func (s *S3RecordStore) objectKey(ref string) string {
	if rest, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/"); ok {
		return rest
	}
	return s.prefix + ref
}

// LocalRecordStore writes records below a directory, for development and
// single-node setups.
type LocalRecordStore struct {
	basePath string
}

func NewLocalRecordStore(basePath string) (*LocalRecordStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	return &LocalRecordStore{basePath: basePath}, nil
}

func (l *LocalRecordStore) Put(_ context.Context, key string, body []byte) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (l *LocalRecordStore) Retrieve(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (l *LocalRecordStore) URI(prefix string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(prefix))
}

// path keeps keys inside the base directory.
func (l *LocalRecordStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid record key %q", key)
	}
	return filepath.Join(l.basePath, clean), nil
}
