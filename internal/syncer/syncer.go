// Package syncer reconciles a local directory with a remote prefix by
// transferring only what is missing on the destination side.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/videopose/posekeys/internal/client"
	"github.com/videopose/posekeys/internal/model"
)

// Result summarises one sync pass
type Result struct {
	Direction   model.Direction
	Transferred int
	Skipped     int
	Failed      int
	Bytes       int64
	Errors      []error
}

// Err joins the per-item failures, nil when every item succeeded
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Syncer transfers files between a local directory and the object store
type Syncer struct {
	store  client.StorageClient
	suffix string
	logger *slog.Logger
}

// New returns a Syncer. A non-empty suffix restricts both directions to
// names ending in it.
func New(store client.StorageClient, suffix string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, suffix: suffix, logger: logger}
}

func (s *Syncer) match(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return s.suffix == "" || strings.HasSuffix(name, s.suffix)
}

// Push uploads every local file absent under prefix. Existing remote objects
// are never overwritten. Listing failures abort; per-item failures are
// collected and the pass continues.
func (s *Syncer) Push(ctx context.Context, localDir, prefix string) (Result, error) {
	res := Result{Direction: model.DirectionPush}
	prefix = model.NormalizePrefix(prefix)

	remote, err := s.remoteNames(ctx, prefix)
	if err != nil {
		return res, err
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return res, fmt.Errorf("failed to list local directory '%s': %w", localDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && s.match(e.Name()) {
			names = append(names, e.Name())
		}
	}

	s.logger.Info("push started", "local_dir", localDir, "prefix", prefix, "local", len(names), "remote", len(remote))

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := prefix + name
		if _, ok := remote[name]; ok {
			res.Skipped++
			s.logger.Debug("already uploaded, skipping", "key", key, "index", i+1, "total", len(names))
			continue
		}

		n, err := s.store.Upload(ctx, filepath.Join(localDir, name), key)
		if errors.Is(err, fs.ErrExist) {
			res.Skipped++
			s.logger.Debug("uploaded concurrently, skipping", "key", key, "index", i+1, "total", len(names))
			continue
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			s.logger.Error("upload failed", "key", key, "index", i+1, "total", len(names), "error", err)
			continue
		}
		res.Transferred++
		res.Bytes += n
		s.logger.Info("uploaded", "key", key, "bytes", n, "index", i+1, "total", len(names))
	}

	return res, nil
}

// Pull downloads every object directly under prefix that is absent locally.
// Existing local files are never overwritten.
func (s *Syncer) Pull(ctx context.Context, prefix, localDir string) (Result, error) {
	res := Result{Direction: model.DirectionPull}
	prefix = model.NormalizePrefix(prefix)

	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return res, err
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create local directory '%s': %w", localDir, err)
	}

	s.logger.Info("pull started", "prefix", prefix, "local_dir", localDir, "remote", len(keys))

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name, ok := s.directChild(prefix, key)
		if !ok {
			continue
		}

		target := filepath.Join(localDir, name)
		if _, err := os.Stat(target); err == nil {
			res.Skipped++
			s.logger.Debug("already exists, skipping", "path", target, "index", i+1, "total", len(keys))
			continue
		}

		n, err := s.store.Download(ctx, key, target)
		if errors.Is(err, fs.ErrExist) {
			res.Skipped++
			s.logger.Debug("created concurrently, skipping", "path", target, "index", i+1, "total", len(keys))
			continue
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			s.logger.Error("download failed", "key", key, "index", i+1, "total", len(keys), "error", err)
			continue
		}
		res.Transferred++
		res.Bytes += n
		s.logger.Info("downloaded", "key", key, "path", target, "bytes", n, "index", i+1, "total", len(keys))
	}

	return res, nil
}

// PushOne uploads a single file unless its key already exists. It reports
// whether an upload happened.
func (s *Syncer) PushOne(ctx context.Context, path, prefix string) (bool, error) {
	key := model.NormalizePrefix(prefix) + filepath.Base(path)
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := s.store.Upload(ctx, path, key); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Syncer) remoteNames(ctx context.Context, prefix string) (map[string]struct{}, error) {
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if name, ok := s.directChild(prefix, key); ok {
			names[name] = struct{}{}
		}
	}
	return names, nil
}

// directChild returns the file name of key when it sits directly under prefix
func (s *Syncer) directChild(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name := key[len(prefix):]
	if name == "" || strings.Contains(name, "/") || !s.match(name) {
		return "", false
	}
	return name, true
}
