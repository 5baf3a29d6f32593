package staging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/orientinsight/bookingmail/internal/model"
)

// MinioStager stages artifacts in an S3-compatible bucket.
type MinioStager struct {
	client *minio.Client
	bucket string
}

var _ Stager = (*MinioStager)(nil)

// NewMinioStager connects and creates the bucket if it does not exist.
func NewMinioStager(ctx context.Context, cfg model.MinioConfig, secretKey string) (*MinioStager, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, secretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioStager{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data under the discriminator's key.
func (s *MinioStager) Put(ctx context.Context, discriminator string, data []byte) (string, error) {
	key := "artifacts/" + objectKey(discriminator)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"discriminator": discriminator},
	})
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", discriminator, err)
	}
	return "minio://" + s.bucket + "/" + key, nil
}

// Get downloads staged bytes.
func (s *MinioStager) Get(ctx context.Context, location string) ([]byte, error) {
	rest, err := splitLocation(location, "minio")
	if err != nil {
		return nil, err
	}
	prefix := s.bucket + "/"
	if len(rest) <= len(prefix) || rest[:len(prefix)] != prefix {
		return nil, fmt.Errorf("location %q is outside bucket %s", location, s.bucket)
	}
	key := rest[len(prefix):]

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("reading %s: %w", location, ErrNotStaged)
		}
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}
	return data, nil
}
