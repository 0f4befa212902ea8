package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"tg-trend-engine/internal/domain"
	"tg-trend-engine/internal/infra/metrics"
)

// Config описывает подключение к S3/MinIO.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// MinIO сохраняет медиа в бакет по адресу, производному от хэша содержимого.
type MinIO struct {
	client    *minio.Client
	bucket    string
	publicURL string
	log       zerolog.Logger
}

var _ domain.ObjectStore = (*MinIO)(nil)

// New создаёт клиент хранилища.
func New(cfg Config, log zerolog.Logger) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("objectstore: S3_ENDPOINT is empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIO{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		log:       log,
	}, nil
}

// EnsureBucket создаёт бакет, если его нет.
func (s *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.log.Info().Str("bucket", s.bucket).Msg("objectstore: bucket created")
	return nil
}

// Put загружает байты. Повторная загрузка того же хэша перезаписывает идентичный объект.
func (s *MinIO) Put(ctx context.Context, data []byte, contentHash, contentType string) (string, error) {
	key := ObjectKey(contentHash, contentType)
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	metrics.ObserveNetworkRequest("s3", "put_object", s.bucket, start, err)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.Reference(key), nil
}

// Reference возвращает стабильную ссылку на объект.
func (s *MinIO) Reference(key string) string {
	if s.publicURL == "" {
		return fmt.Sprintf("s3://%s/%s", s.bucket, key)
	}
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, key)
}

// ObjectKey раскладывает объекты по первым байтам хэша: media/ab/cd/abcd....ext.
func ObjectKey(contentHash, contentType string) string {
	ext := ""
	if contentType != "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	if len(contentHash) < 4 {
		return "media/" + contentHash + ext
	}
	return fmt.Sprintf("media/%s/%s/%s%s", contentHash[:2], contentHash[2:4], contentHash, ext)
}
