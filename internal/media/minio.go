package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	mclient "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates the bucket images are written to.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
}

// MinioStore writes images to an S3-compatible bucket.
type MinioStore struct {
	client        *mclient.Client
	bucket        string
	publicBaseURL string
}

// NewMinioStore connects to the endpoint and fails fast when the bucket is missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	const op = "media.NewMinioStore"

	endpoint := cfg.Endpoint
	secure := strings.HasPrefix(endpoint, "https://")
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := mclient.New(endpoint, &mclient.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s: bucket %q does not exist", op, cfg.Bucket)
	}

	return &MinioStore{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Save uploads the file. With a public base URL the reference is the object's
// URL, otherwise its key.
func (s *MinioStore) Save(ctx context.Context, f *File) (string, error) {
	key := f.Key()
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(f.Data), int64(len(f.Data)), mclient.PutObjectOptions{
		ContentType: f.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("media.MinioStore.Save: %w", err)
	}
	return s.ref(key), nil
}

func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	key := strings.TrimPrefix(ref, s.publicBaseURL+"/")
	err := s.client.RemoveObject(ctx, s.bucket, key, mclient.RemoveObjectOptions{})
	if err != nil {
		if resp := mclient.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return nil
		}
		return fmt.Errorf("media.MinioStore.Delete: %w", err)
	}
	return nil
}

func (s *MinioStore) ref(key string) string {
	if s.publicBaseURL == "" {
		return key
	}
	return s.publicBaseURL + "/" + key
}

var _ ImageStore = (*MinioStore)(nil)
