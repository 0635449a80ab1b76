package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"photobatch/internal/config"
)

// ErrObjectNotFound is returned by Fetch when the referenced asset does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is durable blob storage addressed by asset references. A
// reference is the object key the asset was stored under.
type ObjectStore interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// New picks a backend from config.
func New(ctx context.Context, cfg config.Config) (ObjectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("storage backend s3 requested but S3_BUCKET is not configured")
		}
		return NewS3(ctx, cfg)
	case "minio":
		return NewMinio(ctx, cfg)
	case "local", "":
		dir := cfg.StorageLocalDir
		if dir == "" {
			dir = "./data"
		}
		return NewLocal(dir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// SanitizeKey normalizes an object key and rejects traversal outside the store root.
func SanitizeKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
