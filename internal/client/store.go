package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/videopose/posekeys/internal/config"
)

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	// List returns every key under prefix
	List(ctx context.Context, prefix string) ([]string, error)
	// Download writes the object to path and returns the bytes written
	Download(ctx context.Context, key, path string) (int64, error)
	// Upload stores the file at path under key and returns the bytes sent
	Upload(ctx context.Context, path, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// NewStorageClient picks the store implementation for the configured
// endpoint: file:// endpoints map onto a shared directory, anything else is
// treated as an S3-compatible service.
func NewStorageClient(cfg *config.StoreConfig) (StorageClient, error) {
	if strings.HasPrefix(cfg.Endpoint, "file://") {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid store endpoint: %w", err)
		}
		ds, err := NewDirStore(u.Path)
		if err != nil {
			return nil, err
		}
		return ds, nil
	}
	s3c, err := NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return s3c, nil
}

// OpenStorageClient is NewStorageClient for optional stores: it returns a nil
// client and no error when nothing is configured.
func OpenStorageClient(cfg *config.StoreConfig) (StorageClient, error) {
	if !cfg.IsConfigured() && !strings.HasPrefix(cfg.Endpoint, "file://") {
		return nil, nil
	}
	return NewStorageClient(cfg)
}
