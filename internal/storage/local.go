package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Local stores objects on the filesystem. It backs development setups and tests.
type Local struct {
	baseDir string
}

// NewLocal roots a filesystem store at baseDir.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) path(ref string) (string, error) {
	key, err := SanitizeKey(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(key)), nil
}

func (l *Local) Fetch(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := l.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("fetch %s: %w", ref, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return f, nil
}

// Store writes body to a temp file next to the target and renames it into place,
// so readers never see a partially written object.
func (l *Local) Store(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.baseDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("rename file: %w", err)
	}
	return clean, nil
}

// SignedURL returns a file URL; local objects carry no signature.
func (l *Local) SignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	p, err := l.path(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("sign %s: %w", ref, ErrObjectNotFound)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}
