// Package s3 archives export batches to S3-compatible object storage and
// restores them into the local cache.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the archive bucket settings.
type Config struct {
	Region string
	Bucket string

	// Prefix is prepended to every key and ends in a slash when set.
	Prefix string

	// Endpoint and UsePathStyle target MinIO and other S3-compatible stores.
	Endpoint     string
	UsePathStyle bool

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
}

// DefaultConfig returns the default archive settings.
func DefaultConfig() *Config {
	return &Config{
		Region: "us-east-1",
		Prefix: "fleet-logs/",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// ObjectAPI is the subset of the S3 API used by Client.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client reads and writes archive objects under the configured prefix.
type Client struct {
	api    ObjectAPI
	config *Config
	logger *slog.Logger
}

// NewClient creates a client from the AWS default config overlaid with cfg.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 archive client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
	)

	return NewClientWithAPI(api, cfg, logger), nil
}

// NewClientWithAPI creates a Client over an existing API implementation.
func NewClientWithAPI(api ObjectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{api: api, config: cfg, logger: logger}
}

// Upload stores body at the prefixed key and returns the full key.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (string, error) {
	fullKey := c.config.Prefix + key

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.config.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("s3: failed to upload object %s: %w", fullKey, err)
	}

	c.logger.Debug("uploaded object", "key", fullKey, "size", len(body))
	return fullKey, nil
}

// Location returns the s3:// URL of a full key.
func (c *Client) Location(fullKey string) string {
	return fmt.Sprintf("s3://%s/%s", c.config.Bucket, fullKey)
}

// Download returns the body and user metadata of the object at the prefixed key.
func (c *Client) Download(ctx context.Context, key string) ([]byte, map[string]string, error) {
	fullKey := c.config.Prefix + key

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("s3: failed to download object %s: %w", fullKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("s3: failed to read object %s: %w", fullKey, err)
	}
	return data, result.Metadata, nil
}

// List returns the keys under prefix, relative to the configured prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.config.Prefix + prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key)[len(c.config.Prefix):])
		}
	}
	return keys, nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return 0, fmt.Errorf("s3: bucket %s unreachable: %w", c.config.Bucket, err)
	}
	return time.Since(start), nil
}
