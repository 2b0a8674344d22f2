// ABOUTME: S3-compatible blob store backed by minio-go with zstd compression
// ABOUTME: Objects are keyed by the SHA-256 of their uncompressed content

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// MinioStore implements Store on an S3-compatible bucket.
type MinioStore struct {
	cl      *minio.Client
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// NewMinioStore connects to the endpoint and creates the bucket if missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBlobBytes))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	logger := slog.Default().With("component", "blob")
	logger.Info("blob store initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)

	return &MinioStore{
		cl:      cl,
		bucket:  cfg.Bucket,
		encoder: encoder,
		decoder: decoder,
		logger:  logger,
	}, nil
}

// Put compresses data and uploads it under its content address.
func (s *MinioStore) Put(ctx context.Context, data []byte) (string, error) {
	key := KeyFor(data)
	compressed := s.encoder.EncodeAll(data, nil)

	_, err := s.cl.PutObject(ctx, s.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "zstd",
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	s.logger.Debug("blob stored", "key", key, "size", len(data), "stored", len(compressed))
	return key, nil
}

// Get downloads and decompresses the object stored under key.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(key, err)
	}
	defer obj.Close()

	compressed, err := io.ReadAll(io.LimitReader(obj, MaxBlobBytes+1))
	if err != nil {
		return nil, s.mapError(key, err)
	}
	if len(compressed) > MaxBlobBytes {
		return nil, fmt.Errorf("%s: %w", key, ErrTooLarge)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object; deleting a missing object is not an error.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.mapError(key, err)
	}
	return nil
}

func (s *MinioStore) mapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("reading %s: %w", key, err)
}

var _ Store = (*MinioStore)(nil)
