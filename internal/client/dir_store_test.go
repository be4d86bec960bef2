package client

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/videopose/posekeys/internal/config"
)

func TestDirStoreTransfer(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "a.mp4.npz")
	if err := os.WriteFile(src, []byte("archive"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := store.Upload(ctx, src, "detectron2d/a.mp4.npz")
	if err != nil || n != 7 {
		t.Fatalf("Upload = %d, %v", n, err)
	}
	if _, err := store.Upload(ctx, src, "detectron2d-old/b.mp4.npz"); err != nil {
		t.Fatal(err)
	}

	ok, err := store.Exists(ctx, "detectron2d/a.mp4.npz")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, err = store.Exists(ctx, "detectron2d/missing.npz")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}

	keys, err := store.List(ctx, "detectron2d/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "detectron2d/a.mp4.npz" {
		t.Errorf("List = %v", keys)
	}
	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(all)
	if len(all) != 2 {
		t.Errorf("List(\"\") = %v", all)
	}

	dst := filepath.Join(t.TempDir(), "out", "a.mp4.npz")
	n, err = store.Download(ctx, "detectron2d/a.mp4.npz", dst)
	if err != nil || n != 7 {
		t.Fatalf("Download = %d, %v", n, err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "archive" {
		t.Errorf("downloaded %q, %v", data, err)
	}
}

func TestWriteFileAtomicNeverReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4.npz")
	if err := os.WriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := writeFileAtomic(path, strings.NewReader("second"))
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist, got %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "first" {
		t.Errorf("file replaced with %q", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestDirStoreUploadKeepsExistingKey(t *testing.T) {
	ctx := context.Background()
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "a.mp4.npz")
	for _, content := range []string{"first", "second"} {
		if err := os.WriteFile(src, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		_, err = store.Upload(ctx, src, "detectron2d/a.mp4.npz")
	}
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second upload: expected fs.ErrExist, got %v", err)
	}

	dst := filepath.Join(t.TempDir(), "a.mp4.npz")
	if _, err := store.Download(ctx, "detectron2d/a.mp4.npz", dst); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "first" {
		t.Errorf("remote object = %q, want first", data)
	}
}

func TestNewStorageClientFileEndpoint(t *testing.T) {
	root := t.TempDir()
	store, err := NewStorageClient(&config.StoreConfig{Endpoint: "file://" + root})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*DirStore); !ok {
		t.Fatalf("expected *DirStore, got %T", store)
	}
}

func TestNewS3ClientRequiresCredentials(t *testing.T) {
	if _, err := NewS3Client(&config.StoreConfig{Bucket: "pose-daten"}); err == nil {
		t.Fatal("expected error without credentials")
	}
}
