// Package storage persists benchmark reports to the local filesystem, S3
// (or MinIO) and Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read when no object exists at the path
var ErrNotFound = errors.New("object not found")

// Backend stores small objects addressed by slash separated paths
type Backend interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}

// Config selects and configures a backend
type Config struct {
	Backend   string // local, s3 or azure
	LocalPath string
	S3        *S3Config
	Azure     *AzureBlobConfig
}

// New creates the backend named by cfg.Backend
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3":
		if cfg.S3 == nil {
			return nil, fmt.Errorf("s3 backend selected without s3 configuration")
		}
		return NewS3Backend(ctx, cfg.S3, logger)
	case "azure":
		if cfg.Azure == nil {
			return nil, fmt.Errorf("azure backend selected without azure configuration")
		}
		return NewAzureBlobBackend(ctx, cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func contentType(path string) string {
	if strings.HasSuffix(path, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
