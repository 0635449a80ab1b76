package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"photobatch/internal/config"
)

func TestLocalStoreFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(t.TempDir())

	ref, err := l.Store(ctx, "/batch_zips/../batch_zips/b1.zip", strings.NewReader("zip-bytes"), -1, "application/zip")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if ref != "batch_zips/b1.zip" {
		t.Fatalf("unexpected ref %q", ref)
	}

	rc, err := l.Fetch(ctx, ref)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "zip-bytes" {
		t.Fatalf("unexpected body %q", body)
	}

	// Overwrite on regeneration.
	if _, err := l.Store(ctx, ref, strings.NewReader("v2"), 2, "application/zip"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	rc2, _ := l.Fetch(ctx, ref)
	defer rc2.Close()
	body, _ = io.ReadAll(rc2)
	if string(body) != "v2" {
		t.Fatalf("expected overwritten body, got %q", body)
	}

	url, err := l.SignedURL(ctx, ref, time.Hour)
	if err != nil || !strings.HasPrefix(url, "file://") {
		t.Fatalf("unexpected signed url %q err=%v", url, err)
	}
}

func TestLocalFetchMissing(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.Fetch(context.Background(), "originals/nope.jpg")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := l.SignedURL(context.Background(), "originals/nope.jpg", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound from SignedURL, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"a/b.jpg":          "a/b.jpg",
		"/a/../../b.jpg":   "b.jpg",
		"previews\\x.jpg":  "previews/x.jpg",
		"./batch_zips/1.z": "batch_zips/1.z",
	}
	for in, want := range cases {
		got, err := SanitizeKey(in)
		if err != nil || got != want {
			t.Fatalf("SanitizeKey(%q)=%q err=%v, want %q", in, got, err, want)
		}
	}
	if _, err := SanitizeKey("/"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestS3SignedURLOffline(t *testing.T) {
	client := s3.New(s3.Options{
		Region: "us-east-1",
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
		}),
	})
	st := NewS3WithClient(client, "photos")

	url, err := st.SignedURL(context.Background(), "batch_zips/b1.zip", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "batch_zips/b1.zip") || !strings.Contains(url, "X-Amz-Expires=900") {
		t.Fatalf("unexpected presigned url %q", url)
	}
}

func TestMinioSignedURLOffline(t *testing.T) {
	client, err := newMinioClient(config.Config{
		MinioEndpoint:  "localhost:9000",
		MinioAccessKey: "minio",
		MinioSecretKey: "minio-secret",
		S3Region:       "us-east-1",
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	m := &Minio{client: client, bucket: "photos"}
	url, err := m.SignedURL(context.Background(), "batch_zips/b1.zip", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "/photos/batch_zips/b1.zip") || !strings.Contains(url, "X-Amz-Expires=3600") {
		t.Fatalf("unexpected presigned url %q", url)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), config.Config{StorageBackend: "ftp"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if _, err := New(context.Background(), config.Config{StorageBackend: "s3"}); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}
