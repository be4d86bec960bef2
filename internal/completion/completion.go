// Package completion decides which videos already have a finished artifact,
// from one local directory listing and one remote prefix listing per run.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/videopose/posekeys/internal/model"
)

// Lister lists remote keys under a prefix
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Set is the run-local set of identities known to be finished
type Set struct {
	ids    map[model.Identity]struct{}
	local  int
	remote int
}

func NewSet() *Set {
	return &Set{ids: make(map[model.Identity]struct{})}
}

func (s *Set) Add(id model.Identity) {
	s.ids[id] = struct{}{}
}

// Has reports whether id is complete
func (s *Set) Has(id model.Identity) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Len() int {
	return len(s.ids)
}

// Sources returns how many artifacts were seen locally and remotely
func (s *Set) Sources() (local, remote int) {
	return s.local, s.remote
}

// Oracle answers completion questions against a set built once per run
type Oracle struct {
	set *Set
}

// Build lists localDir and, when lister is non-nil, the remote prefix. A
// missing local directory counts as empty; a failed remote listing is
// returned so the caller can decide whether to run local-only.
func Build(ctx context.Context, localDir string, lister Lister, prefix string) (*Oracle, error) {
	set := NewSet()

	entries, err := os.ReadDir(localDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to list output directory '%s': %w", localDir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if id, ok := model.IdentityFromArtifactName(e.Name()); ok {
			set.Add(id)
			set.local++
		}
	}

	if lister != nil {
		prefix = model.NormalizePrefix(prefix)
		keys, err := lister.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			// Only direct children of the prefix are artifacts of this run
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			rest := key[len(prefix):]
			if strings.Contains(rest, "/") {
				continue
			}
			if id, ok := model.IdentityFromArtifactName(rest); ok {
				set.Add(id)
				set.remote++
			}
		}
	}

	return &Oracle{set: set}, nil
}

// IsComplete is a set lookup; it never touches storage
func (o *Oracle) IsComplete(id model.Identity) bool {
	return o.set.Has(id)
}

// Set exposes the underlying completion set
func (o *Oracle) Set() *Set {
	return o.set
}

// Pending returns the candidates not yet complete, preserving order
func (o *Oracle) Pending(candidates []model.Item) []model.Item {
	pending := make([]model.Item, 0, len(candidates))
	for _, item := range candidates {
		if !o.IsComplete(item.Identity) {
			pending = append(pending, item)
		}
	}
	return pending
}

// Discover returns the candidate videos for input: the file itself, or the
// files in the directory (non-recursive) ending in "."+ext, sorted by name.
func Discover(input, ext string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input '%s': %w", input, err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	pattern := filepath.Join(input, "*."+strings.TrimPrefix(ext, "."))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Candidates turns paths into work items, dropping directories and zero-byte
// or missing files. Zero-byte sources can never be processed and are never
// complete; each is logged once.
func Candidates(paths []string, logger *slog.Logger) []model.Item {
	if logger == nil {
		logger = slog.Default()
	}
	items := make([]model.Item, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			logger.Warn("skipping unreadable source", "path", p, "error", err)
			continue
		}
		if info.IsDir() {
			continue
		}
		if info.Size() == 0 {
			logger.Warn("skipping source", "identity", model.IdentityFromPath(p), "error", &model.EmptySourceError{Path: p})
			continue
		}
		items = append(items, model.Item{Identity: model.IdentityFromPath(p), Path: p})
	}
	return items
}
