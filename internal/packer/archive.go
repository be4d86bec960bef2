package packer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/videopose/posekeys/internal/model"
)

// Archive member names. The archive is a zip of JSON members, not npy
// arrays, so np.load cannot index it. A numpy consumer reads it with the
// zipfile and json modules:
//
//	z = zipfile.ZipFile(path)
//	keypoints = [np.array(f[1], dtype=np.float32)
//	             for f in json.load(z.open("keypoints.json"))]
//	meta = json.load(z.open("metadata.json"))  # {"w": W, "h": H}
//
// which yields the same per-frame arrays as the npz layout.
const (
	MemberBoxes     = "boxes.json"
	MemberSegments  = "segments.json"
	MemberKeypoints = "keypoints.json"
	MemberMetadata  = "metadata.json"
)

// Per-frame entries keep the two-class layout the lifting consumer reads:
// class 0 is background and always empty, class 1 holds the person entries.
type boxEntry [2][]model.Box

type keypointEntry [2][]model.Keypoints

// WriteArchive writes the artifact into dir under its archive name. The file
// only appears once it is complete.
func WriteArchive(dir string, art *model.VideoArtifact) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory '%s': %w", dir, err)
	}

	name := art.Identity.ArtifactName()
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := Encode(tmp, art); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	committed = true
	return final, nil
}

// Encode writes the artifact as a deflate-compressed zip container
func Encode(w io.Writer, art *model.VideoArtifact) error {
	boxes := make([]boxEntry, len(art.Frames))
	keypoints := make([]keypointEntry, len(art.Frames))
	segments := make([]any, len(art.Frames))
	for i, f := range art.Frames {
		boxes[i] = boxEntry{{}, nonNilBoxes(f.Boxes)}
		keypoints[i] = keypointEntry{{}, nonNilKeypoints(f.Keypoints)}
	}

	zw := zip.NewWriter(w)
	members := []struct {
		name string
		v    any
	}{
		{MemberBoxes, boxes},
		{MemberSegments, segments},
		{MemberKeypoints, keypoints},
		{MemberMetadata, art.Metadata},
	}
	for _, m := range members {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: m.name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("failed to create member %s: %w", m.name, err)
		}
		if err := json.NewEncoder(fw).Encode(m.v); err != nil {
			return fmt.Errorf("failed to encode member %s: %w", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

// ReadArchive loads an archive written by WriteArchive
func ReadArchive(path string) (*model.VideoArtifact, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive '%s': %w", path, err)
	}
	defer zr.Close()

	var (
		boxes     []boxEntry
		segments  []any
		keypoints []keypointEntry
		meta      model.ArtifactMetadata
	)
	targets := map[string]any{
		MemberBoxes:     &boxes,
		MemberSegments:  &segments,
		MemberKeypoints: &keypoints,
		MemberMetadata:  &meta,
	}
	found := 0
	for _, f := range zr.File {
		target, ok := targets[f.Name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open member %s: %w", f.Name, err)
		}
		err = json.NewDecoder(rc).Decode(target)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode member %s: %w", f.Name, err)
		}
		found++
	}
	if found != len(targets) {
		return nil, fmt.Errorf("archive '%s' has %d of %d members", path, found, len(targets))
	}
	if len(boxes) != len(keypoints) || len(boxes) != len(segments) {
		return nil, fmt.Errorf("archive '%s' has inconsistent frame counts", path)
	}

	id, _ := model.IdentityFromArtifactName(path)
	art := &model.VideoArtifact{
		Identity: id,
		Frames:   make([]model.FrameRecord, len(boxes)),
		Metadata: meta,
	}
	for i := range boxes {
		art.Frames[i] = model.FrameRecord{
			Index:     i,
			Boxes:     nonNilBoxes(boxes[i][1]),
			Keypoints: nonNilKeypoints(keypoints[i][1]),
		}
	}
	return art, nil
}

func nonNilBoxes(b []model.Box) []model.Box {
	if b == nil {
		return []model.Box{}
	}
	return b
}

func nonNilKeypoints(k []model.Keypoints) []model.Keypoints {
	if k == nil {
		return []model.Keypoints{}
	}
	return k
}
