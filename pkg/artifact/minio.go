package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures an S3-compatible artifact store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool

	// URLExpiry is the lifetime of presigned playback URLs.
	URLExpiry time.Duration
}

// MinIO stores artifacts in an S3-compatible bucket and hands out
// presigned GET URLs.
type MinIO struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinIO connects and checks that the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: init s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifact: check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("artifact: bucket %q does not exist", cfg.Bucket)
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &MinIO{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// Put uploads the clip and returns a presigned URL.
func (m *MinIO) Put(ctx context.Context, a *Artifact) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, a.Key, bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{
		ContentType:  a.MIMEType,
		UserMetadata: map[string]string{"uploaded-at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return "", fmt.Errorf("artifact: upload %s: %w", a.Key, err)
	}

	u, err := m.client.PresignedGetObject(ctx, m.bucket, a.Key, m.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("artifact: presign %s: %w", a.Key, err)
	}
	return u.String(), nil
}

// Get downloads an artifact.
func (m *MinIO) Get(ctx context.Context, key string) (*Artifact, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("artifact: get %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: stat %s: %w", key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}
	return &Artifact{Key: key, Data: data, MIMEType: info.ContentType}, nil
}

// Delete removes the object.
func (m *MinIO) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("artifact: delete %s: %w", key, err)
	}
	return nil
}

var _ Store = (*MinIO)(nil)
