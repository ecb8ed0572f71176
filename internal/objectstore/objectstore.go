// Package objectstore implements the Tier-3 object-storage fallback for
// the dependency-restore protocol (§4.3) and cold storage for project
// Archives, using an S3-compatible client. The teacher's go.mod
// declares aws-sdk-go-v2 but never imports it; this package is its
// first real caller in this codebase.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drape/core/internal/coreerr"
)

// Config configures the object-storage client (§6 configuration:
// cache.tier3_url / object_store.*).
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible providers
	// AccessKeyID/SecretAccessKey are optional; when empty the default
	// credential chain (env, shared config, IMDS) is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Store wraps an S3 client scoped to one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from cfg, following the teacher's
// NewPostgresStore-style constructor convention (plain error return, no
// panics on misconfiguration).
func New(ctx context.Context, cfg Config) (*Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Storage, "load aws config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// PutCacheArchive uploads the current Cache Archive bytes under a
// stable key so Tier 3 can always find the latest publication (§4.3).
func (s *Store) PutCacheArchive(ctx context.Context, sha256Hex string, body []byte) error {
	key := "cache-archives/current.tar.zst"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: map[string]string{"sha256": sha256Hex},
	})
	if err != nil {
		return coreerr.Wrap(coreerr.Storage, "put cache archive", err)
	}
	return nil
}

// GetCacheArchive downloads the current Cache Archive for Tier 3.
func (s *Store) GetCacheArchive(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String("cache-archives/current.tar.zst"),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CacheFetch, "get cache archive", err)
	}
	return out.Body, nil
}

// PutProjectArchive cold-stores a built project Archive, content-
// addressed by its uncompressed-tar SHA-256 (§3).
func (s *Store) PutProjectArchive(ctx context.Context, projectID, sha256Hex string, body []byte) error {
	key := fmt.Sprintf("project-archives/%s/%s.tar.gz", projectID, sha256Hex)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return coreerr.Wrap(coreerr.Storage, "put project archive", err)
	}
	return nil
}

// PresignedTier3URL returns the public URL workers pull from for Tier 3
// (cache.tier3_url is normally configured to this directly, but this
// helper supports deriving it from the bucket when unset).
func (s *Store) PresignedTier3URL() string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/cache-archives/current.tar.zst", s.bucket)
}
