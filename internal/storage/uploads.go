// Package storage issues presigned upload targets for source photos. The
// actual object store is S3-compatible (MinIO in development).
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config carries the object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// Uploader issues presigned PUT URLs scoped to the upload bucket.
type Uploader struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewUploader(cfg Config) (*Uploader, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Uploader{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// UploadTarget is one issued upload destination.
type UploadTarget struct {
	URL       string
	ObjectKey string
	ExpiresAt time.Time
}

// objectKey namespaces uploads by tenant and, when the client supplied one,
// by photo. The content hash stays in the name so re-uploads of identical
// bytes land on the same prefix; the trailing uuid keeps retries from
// clobbering an in-flight PUT.
func objectKey(tenantID, photoID, contentHash string) string {
	if photoID != "" {
		return fmt.Sprintf("uploads/%s/%s/%s-%s", tenantID, photoID, contentHash, uuid.NewString())
	}
	return fmt.Sprintf("uploads/%s/%s-%s", tenantID, contentHash, uuid.NewString())
}

// PresignUpload returns a presigned PUT URL for a new source photo.
func (u *Uploader) PresignUpload(ctx context.Context, tenantID, photoID, contentHash string) (*UploadTarget, error) {
	key := objectKey(tenantID, photoID, contentHash)
	signed, err := u.client.PresignedPutObject(ctx, u.bucket, key, u.ttl)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &UploadTarget{
		URL:       signed.String(),
		ObjectKey: key,
		ExpiresAt: time.Now().Add(u.ttl),
	}, nil
}

// EnsureBucket creates the upload bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		if exists, checkErr := u.client.BucketExists(ctx, u.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	return nil
}
