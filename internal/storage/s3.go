// Package storage replicates finished backup artifacts to S3-compatible
// offsite storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/model"
)

// S3Replicator uploads artifacts to an S3-compatible endpoint. The
// target bucket and key prefix come from each configuration's storage
// target; the endpoint and credentials are process-wide.
type S3Replicator struct {
	logger    zerolog.Logger
	endpoint  string
	region    string
	accessKey string
	secretKey string
}

func NewS3Replicator(logger zerolog.Logger, endpoint, region, accessKey, secretKey string) *S3Replicator {
	if region == "" {
		region = "us-east-1"
	}
	return &S3Replicator{
		logger:    logger.With().Str("component", "s3-replicator").Logger(),
		endpoint:  endpoint,
		region:    region,
		accessKey: accessKey,
		secretKey: secretKey,
	}
}

// client returns an S3 client for the configured endpoint. Path-style
// addressing keeps MinIO and Ceph RGW deployments working.
func (r *S3Replicator) client() *s3.Client {
	opts := s3.Options{
		Region:       r.region,
		Credentials:  credentials.NewStaticCredentialsProvider(r.accessKey, r.secretKey, ""),
		UsePathStyle: true,
	}
	if r.endpoint != "" {
		opts.BaseEndpoint = aws.String(r.endpoint)
	}
	return s3.New(opts)
}

// Upload copies one artifact into the configuration's bucket under
// <prefix>/<backup type>/<file name>.
func (r *S3Replicator) Upload(ctx context.Context, cfg *model.BackupConfiguration, localPath, fileName string) error {
	bucket := cfg.Storage.Bucket
	if bucket == "" {
		return fmt.Errorf("configuration %s has no replication bucket", cfg.ID)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact %s: %w", localPath, err)
	}

	key := path.Join(strings.Trim(cfg.Storage.BucketPrefix, "/"), cfg.Type, fileName)
	_, err = r.client().PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", fileName, bucket, key, err)
	}

	r.logger.Info().
		Str("configuration_id", cfg.ID).
		Str("bucket", bucket).
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Msg("artifact replicated offsite")
	return nil
}
