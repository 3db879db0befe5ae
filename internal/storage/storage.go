package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/config"
)

// ObjectStore is what the rest of the service needs from object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) error
	SignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Gateway is an S3-compatible ObjectStore backed by minio-go.
type Gateway struct {
	client *minio.Client
	bucket string
}

func NewGateway(cfg *config.Config) (*Gateway, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Gateway{client: client, bucket: cfg.S3Bucket}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet.
func (g *Gateway) EnsureBucket(ctx context.Context, region string) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", g.bucket, err)
	}
	if exists {
		return nil
	}
	if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", g.bucket, err)
	}
	log.Infof("[STORAGE] Created bucket %s", g.bucket)
	return nil
}

func (g *Gateway) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	_, err := g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (g *Gateway) SignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (g *Gateway) Delete(ctx context.Context, key string) error {
	if err := g.client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SignFor returns a browser URL for stored media. When signing fails it
// falls back to the provider URL the media was fetched from.
func SignFor(ctx context.Context, store ObjectStore, key, fallbackURL string, ttl time.Duration) string {
	if key == "" {
		return fallbackURL
	}
	signed, err := store.SignGet(ctx, key, ttl)
	if err != nil {
		log.WithError(err).WithField("key", key).Error("[STORAGE] signing failed, falling back to original URL")
		return fallbackURL
	}
	return signed
}

var extByMime = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"audio/aac":       "aac",
	"audio/amr":       "amr",
	"application/pdf": "pdf",
	"text/plain":      "txt",
}

// Extension picks a file extension for mimeType, falling back to the
// filename's extension and then to "bin".
func Extension(mimeType, filename string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	if ext, ok := extByMime[strings.ToLower(base)]; ok {
		return ext
	}
	if ext := strings.TrimPrefix(path.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

// MediaKey is the deterministic object key for a message's media:
// media/whatsapp/<kind>/<YYYY>/<MM>/<DD>/<wamid>.<ext>
func MediaKey(kind string, providerTimestamp time.Time, providerMessageID, ext string) string {
	ts := providerTimestamp.UTC()
	return fmt.Sprintf("media/whatsapp/%s/%04d/%02d/%02d/%s.%s",
		kind, ts.Year(), int(ts.Month()), ts.Day(), providerMessageID, ext)
}
