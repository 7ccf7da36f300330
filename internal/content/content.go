// Package content implements the file-storage collaborator behind the opaque
// content refs carried by items. The pipeline core never interprets refs; it
// only asks this package to save uploaded bytes and to release them after an
// item record has been deleted.
package content

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"media-pipeline/internal/config"
)

// Store saves uploaded bytes and releases them by ref. Remove is invoked
// best-effort after record deletion; callers log failures instead of
// propagating them.
type Store interface {
	Save(ctx context.Context, name, contentType string, r io.Reader) (ref string, size int64, err error)
	Remove(ctx context.Context, ref string) error
}

// NewFromConfig selects a backend based on CONTENT_BACKEND.
func NewFromConfig(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.ContentBackend) {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("content backend s3 requested but S3_BUCKET is not configured")
		}
		return NewS3Store(ctx, cfg)
	case "local", "":
		return NewLocalStore(cfg.ContentDir), nil
	}
	return nil, fmt.Errorf("unknown content backend %q", cfg.ContentBackend)
}

// newKey builds a collision-free storage key from the original file name.
func newKey(name string) string {
	base := filepath.Base(name)
	base = strings.TrimPrefix(filepath.Clean(base), string(filepath.Separator))
	if base == "" || base == "." {
		base = "upload"
	}
	return uuid.New().String() + "_" + base
}
