// Package s3sink uploads location batches as JSON objects to S3-compatible
// storage.
package s3sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"crimelink/internal/keys"
	"crimelink/internal/models"
)

// ObjectStore is the part of *minio.Client the sink uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config holds the connection settings for NewClient.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewClient connects to an S3-compatible endpoint.
func NewClient(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3sink: endpoint, access key and secret key are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3sink: creating MinIO client: %w", err)
	}
	return client, nil
}

// Sink writes each batch to its own object.
type Sink struct {
	client ObjectStore
	bucket string
	logger *slog.Logger
}

func New(client ObjectStore, bucket string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{client: client, bucket: bucket, logger: logger}
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Sink) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3sink: checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("s3sink: creating bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("bucket created", "bucket", s.bucket)
	return nil
}

// Upload stores the batch payloads under keys.Batch. Batch ids are derived
// from their record ids, so an object that already exists holds this exact
// batch from an earlier attempt whose acknowledgment was lost.
func (s *Sink) Upload(ctx context.Context, batch models.Batch) error {
	objectKey := keys.Batch(batch)

	_, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		s.logger.Info("batch already stored", "bucket", s.bucket, "key", objectKey)
		return nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("s3sink: checking for %s: %w", objectKey, err)
	}

	data, err := json.Marshal(batch.Payloads())
	if err != nil {
		return fmt.Errorf("s3sink: encoding batch %s: %w", batch.ID, err)
	}

	_, err = s.client.PutObject(
		ctx,
		s.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("s3sink: storing %s: %w", objectKey, err)
	}

	s.logger.Debug("batch stored", "bucket", s.bucket, "key", objectKey, "records", len(batch.Records))
	return nil
}
