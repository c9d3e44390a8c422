// SPDX-License-Identifier: MIT

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/archive"
	"github.com/clipflow/clipflow/internal/config"
)

// MinioStore implements Store on top of any S3-compatible object storage.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
	logger  zerolog.Logger
}

// NewMinio connects to the endpoint and ensures the bucket exists.
func NewMinio(cfg config.MinIOConfig, logger zerolog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: bucket check %q: %v", ErrUnavailable, cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: create bucket %q: %v", ErrUnavailable, cfg.Bucket, err)
		}
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.Secure {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("connected to object store")
	return &MinioStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

func (s *MinioStore) URLFor(key string) string {
	return s.baseURL + "/" + s.bucket + "/" + key
}

func (s *MinioStore) UploadFile(ctx context.Context, taskID, localPath string) (ObjectInfo, error) {
	key := taskID + "/" + filepath.Base(localPath)
	up, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(localPath),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: upload %s: %v", ErrUnavailable, key, err)
	}
	return ObjectInfo{Key: key, URL: s.URLFor(key), Size: up.Size}, nil
}

func (s *MinioStore) UploadDir(ctx context.Context, taskID, dirPath string) (ObjectInfo, archive.Info, error) {
	tmp, err := os.CreateTemp("", "clipflow-archive-*.zip")
	if err != nil {
		return ObjectInfo{}, archive.Info{}, fmt.Errorf("temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	info, err := archive.CompressDir(dirPath, tmpPath)
	if err != nil {
		return ObjectInfo{}, archive.Info{}, err
	}

	key := taskID + "/" + archive.ArchiveName(dirPath)
	up, err := s.client.FPutObject(ctx, s.bucket, key, tmpPath, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return ObjectInfo{}, archive.Info{}, fmt.Errorf("%w: upload %s: %v", ErrUnavailable, key, err)
	}
	return ObjectInfo{Key: key, URL: s.URLFor(key), Size: up.Size}, info, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	up, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return ObjectInfo{Key: key, URL: s.URLFor(key), Size: up.Size}, nil
}

func (s *MinioStore) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("%w: read %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				return
			}
			objectsCh <- obj
		}
	}()

	for errDel := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if errDel.Err != nil {
			return fmt.Errorf("%w: delete prefix %s: %v", ErrUnavailable, prefix, errDel.Err)
		}
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	case ".srt", ".vtt", ".txt":
		return "text/plain"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
