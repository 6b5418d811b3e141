// Package s3 implements the object store port on AWS S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/data-platform/dataset-upload/internal/config"
	"github.com/data-platform/dataset-upload/internal/domain"
)

// Provider implements object.Store backed by an S3 bucket.
type Provider struct {
	client *s3.Client
	bucket string
}

// NewProvider creates a new S3 object store provider.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	// Use custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to load AWS config", err)
	}

	s3Opts := []func(*s3.Options){}

	// Custom endpoint for localstack/minio
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &Provider{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Put stores bytes at key, overwriting any existing object.
func (p *Provider) Put(ctx context.Context, key string, data []byte) error {
	return p.PutStream(ctx, key, bytes.NewReader(data))
}

// PutStream consumes the reader into the object at key. S3 object writes
// are atomic: readers never observe a partially written object.
func (p *Provider) PutStream(ctx context.Context, key string, r io.Reader) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to put object", err)
	}
	return nil
}

// Get returns the stored bytes as a stream.
func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, domain.ErrObjectNotFound
		}
		return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to get object", err)
	}
	return result.Body, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to delete object", err)
	}
	return nil
}

// List returns every key under the given prefix.
func (p *Provider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, domain.NewDomainError(domain.ErrCodeStorage, "failed to list objects", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Ping verifies the bucket is reachable, used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "bucket unreachable", err)
	}
	return nil
}
