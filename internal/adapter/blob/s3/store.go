// Package s3 offloads large evaluation output to S3-compatible object
// storage once it exceeds domain.BlobThresholdBytes, so large stdout/stderr
// payloads never bloat the primary evaluations table.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// Store implements domain.BlobStore against a single S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New constructs a Store. endpoint may be empty to use AWS defaults, or
// point at an S3-compatible service (e.g. MinIO) for self-hosted deployments.
func New(ctx context.Context, bucket, region, endpoint string) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("op=blob.s3.load_config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, bucket: bucket}, nil
}

// Put uploads data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	tracer := otel.Tracer("blob.s3")
	ctx, span := tracer.Start(ctx, "s3.Put")
	defer span.End()
	span.SetAttributes(attribute.String("blob.key", key), attribute.Int("blob.size_bytes", len(data)))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("op=blob.s3.put: %w", err)
	}
	return nil
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	tracer := otel.Tracer("blob.s3")
	ctx, span := tracer.Start(ctx, "s3.Get")
	defer span.End()
	span.SetAttributes(attribute.String("blob.key", key))

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var nsk *s3.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("op=blob.s3.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.s3.get: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.s3.get.read: %w", err)
	}
	return data, nil
}

// Delete removes the object stored under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	tracer := otel.Tracer("blob.s3")
	ctx, span := tracer.Start(ctx, "s3.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("blob.key", key))

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("op=blob.s3.delete: %w", err)
	}
	return nil
}

var _ domain.BlobStore = (*Store)(nil)
