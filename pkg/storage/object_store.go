package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveStore keeps the original uploaded documents so they can be
// re-served or re-processed after the remote vector store copy is gone.
type ArchiveStore interface {
	// Archive stores the raw upload under a key derived from the file id
	// and returns that key.
	Archive(ctx context.Context, fileID, fileName string, data []byte, contentType string) (string, error)
	// PresignGet returns a time-limited download URL for a stored key.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioArchive implements ArchiveStore on MinIO/S3 compatible storage.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects to MinIO and ensures the bucket exists.
func NewMinioArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioArchive{client: client, bucket: bucket}, nil
}

func (m *MinioArchive) Archive(ctx context.Context, fileID, fileName string, data []byte, contentType string) (string, error) {
	key := archiveKey(fileID, fileName)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("archive object: %w", err)
	}
	return key, nil
}

func (m *MinioArchive) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

func (m *MinioArchive) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// NopArchive discards uploads. Used when no object storage is
// configured; documents then live only in the remote vector store.
type NopArchive struct{}

func (NopArchive) Archive(context.Context, string, string, []byte, string) (string, error) {
	return "", nil
}

func (NopArchive) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (NopArchive) Delete(context.Context, string) error { return nil }

func archiveKey(fileID, fileName string) string {
	return path.Join("documents", fileID, fileName)
}
