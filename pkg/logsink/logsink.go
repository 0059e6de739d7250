// Package logsink persists the combined stdout/stderr stream captured for
// each job attempt (spec section 5's "one log file per job attempt"
// guarantee). Grounded on the teacher's pkg/storage/log_store.go
// (S3LogStore/LocalLogStore), narrowed from an execution-log store keyed by
// an arbitrary executionID to one keyed by (run_id, attempt_id, job_id).
package logsink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Key identifies one job attempt's log within a sink.
type Key struct {
	RunID     int64
	AttemptID int64
	JobID     string
}

func (k Key) slug() string {
	return fmt.Sprintf("%d/%d/%s", k.RunID, k.AttemptID, k.JobID)
}

// Sink stores and retrieves a job attempt's captured output.
type Sink interface {
	// Store saves logs and returns a reference path/URL.
	Store(ctx context.Context, key Key, logs []byte) (string, error)
	// Retrieve fetches logs by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// LocalSink writes logs under a base directory, one file per job attempt —
// the default, matching the teacher's LocalLogStore for single-node use.
type LocalSink struct {
	basePath string
}

// NewLocalSink creates a local filesystem log sink rooted at basePath.
func NewLocalSink(basePath string) (*LocalSink, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("logsink: create directory: %w", err)
	}
	return &LocalSink{basePath: basePath}, nil
}

func (l *LocalSink) path(key Key) string {
	return filepath.Join(l.basePath, fmt.Sprintf("%d", key.RunID), fmt.Sprintf("%d", key.AttemptID), key.JobID+".log")
}

// Store writes logs to basePath/run_id/attempt_id/job_id.log.
func (l *LocalSink) Store(ctx context.Context, key Key, logs []byte) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("logsink: create job log directory: %w", err)
	}
	if err := os.WriteFile(path, logs, 0644); err != nil {
		return "", fmt.Errorf("logsink: write log: %w", err)
	}
	return path, nil
}

// Retrieve reads logs back from the local filesystem reference.
func (l *LocalSink) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}

// S3Sink stores logs in S3-compatible storage, with an optional local read
// cache — ported from the teacher's S3LogStore.
type S3Sink struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3Config holds S3 sink configuration.
type S3Config struct {
	Bucket          string
	Prefix          string // e.g. "logs/pipelex/"
	Region          string
	Endpoint        string // for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string
}

// NewS3Sink creates an S3-backed log sink.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("logsink: load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("logsink: create cache directory: %w", err)
		}
	}

	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, localCache: cfg.LocalCacheDir}, nil
}

// Store uploads logs to S3 under prefix/YYYY/MM/DD/run_id/attempt_id/job_id.log,
// dated by the upload time.
func (s *S3Sink) Store(ctx context.Context, key Key, logs []byte) (string, error) {
	k := s.buildKey(key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("logsink: upload to S3: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(k))
		_ = os.WriteFile(cachePath, logs, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, k), nil
}

// Retrieve fetches logs from S3, consulting the local cache first.
func (s *S3Sink) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("logsink: get from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("logsink: read S3 body: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		_ = os.WriteFile(cachePath, data, 0644)
	}

	return data, nil
}

func (s *S3Sink) buildKey(key Key) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.log", s.prefix, timestamp, key.slug())
}

func (s *S3Sink) extractKey(reference string) string {
	if len(reference) > 5 && reference[:5] == "s3://" {
		parts := reference[5:]
		for i, c := range parts {
			if c == '/' {
				return parts[i+1:]
			}
		}
	}
	return reference
}
