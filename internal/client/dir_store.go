package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/videopose/posekeys/internal/model"
)

// DirStore implements StorageClient on a directory, for workers sharing a
// network filesystem instead of a bucket. Keys map onto relative paths.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("dir store root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root '%s': %w", root, err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) pathOf(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// List walks the tree and returns keys starting with prefix, in lexical order
func (s *DirStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || isTempName(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &model.StoreTransferError{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

func (s *DirStore) Download(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(s.pathOf(key))
	if err != nil {
		return 0, &model.StoreTransferError{Op: "get", Key: key, Err: err}
	}
	defer f.Close()

	n, err := writeFileAtomic(path, f)
	if err != nil {
		return 0, &model.StoreTransferError{Op: "get", Key: key, Err: err}
	}
	return n, nil
}

func (s *DirStore) Upload(ctx context.Context, path, key string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &model.StoreTransferError{Op: "put", Key: key, Err: err}
	}
	defer f.Close()

	n, err := writeFileAtomic(s.pathOf(key), f)
	if err != nil {
		return 0, &model.StoreTransferError{Op: "put", Key: key, Err: err}
	}
	return n, nil
}

func (s *DirStore) Exists(ctx context.Context, key string) (bool, error) {
	info, err := os.Stat(s.pathOf(key))
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &model.StoreTransferError{Op: "head", Key: key, Err: err}
}

// isTempName matches in-flight files written by writeFileAtomic
func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".part")
}
