package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"run-reporter/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the store uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps samples in a bucket. Pointers look like s3://bucket/logs/failed_responses/<run>/<hash>.txt.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates a store backed by the default AWS credential chain
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket), nil
}

// NewS3StoreWithClient creates a store on an existing client
func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, runID string, body []byte) (Sample, error) {
	if !models.ValidRunID(runID) {
		return Sample{}, fmt.Errorf("invalid run id %q for evidence key", runID)
	}
	name, content, digest := sampleOf(body)
	key := path.Join(responsesDir, runID, name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("text/plain"),
		Metadata:    map[string]string{"run-id": runID, "sha256": digest},
	})
	if err != nil {
		return Sample{}, fmt.Errorf("failed to upload evidence sample: %w", err)
	}

	return Sample{
		Pointer:   "s3://" + s.bucket + "/" + key,
		SHA256:    digest,
		SizeBytes: int64(len(content)),
	}, nil
}

func (s *S3Store) Stat(ctx context.Context, pointer string) (int64, error) {
	bucket, key, err := parseS3Pointer(pointer)
	if err != nil {
		return 0, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, s3Error(pointer, err)
	}

	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) Open(ctx context.Context, pointer string) (io.ReadCloser, error) {
	bucket, key, err := parseS3Pointer(pointer)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(pointer, err)
	}

	return out.Body, nil
}

func parseS3Pointer(pointer string) (string, string, error) {
	rest, ok := strings.CutPrefix(pointer, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not an s3 pointer", ErrEvidenceMissing, pointer)
	}

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 pointer %q", ErrEvidenceMissing, pointer)
	}
	return bucket, key, nil
}

func s3Error(pointer string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrEvidenceMissing, pointer)
	}
	return fmt.Errorf("failed to reach evidence object %s: %w", pointer, err)
}
