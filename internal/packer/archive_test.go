package packer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/videopose/posekeys/internal/model"
)

func scenarioArtifact(t *testing.T) *model.VideoArtifact {
	t.Helper()
	acc := NewAccumulator("walk.mp4")
	for i, n := range []int{1, 0, 2} {
		frame := model.Frame{Index: i, Width: 8, Height: 6}
		if err := acc.Add(frame, Pack(i, detections(n, 17))); err != nil {
			t.Fatal(err)
		}
	}
	return acc.Artifact()
}

func TestWriteArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	art := scenarioArtifact(t)

	path, err := WriteArchive(dir, art)
	if err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	if filepath.Base(path) != "walk.mp4.npz" {
		t.Errorf("archive name = %s, want walk.mp4.npz", filepath.Base(path))
	}

	got, err := ReadArchive(path)
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if got.Identity != "walk.mp4" {
		t.Errorf("identity = %q", got.Identity)
	}
	if got.Metadata != (model.ArtifactMetadata{W: 8, H: 6}) {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	wantCounts := []int{1, 0, 2}
	if len(got.Frames) != len(wantCounts) {
		t.Fatalf("frames = %d, want %d", len(got.Frames), len(wantCounts))
	}
	for i, want := range wantCounts {
		f := got.Frames[i]
		if f.Index != i || len(f.Boxes) != want || len(f.Keypoints) != want {
			t.Errorf("frame %d: index %d, %d boxes, %d keypoints; want %d", i, f.Index, len(f.Boxes), len(f.Keypoints), want)
		}
	}
	if got.Frames[2].Keypoints[1][3][0] != 0.8 {
		t.Errorf("confidence channel not preserved: %v", got.Frames[2].Keypoints[1][3])
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the archive in the output dir, found %d entries", len(entries))
	}
}

func TestArchiveMemberLayout(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteArchive(dir, scenarioArtifact(t))
	if err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	members := map[string]json.RawMessage{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		var raw json.RawMessage
		if err := json.NewDecoder(rc).Decode(&raw); err != nil {
			t.Fatalf("%s: %v", f.Name, err)
		}
		rc.Close()
		members[f.Name] = raw
	}
	if len(members) != 4 {
		t.Errorf("archive has %d members, want 4", len(members))
	}
	for _, name := range []string{MemberBoxes, MemberSegments, MemberKeypoints, MemberMetadata} {
		if _, ok := members[name]; !ok {
			t.Errorf("member %s missing", name)
		}
	}

	var segments []any
	if err := json.Unmarshal(members[MemberSegments], &segments); err != nil {
		t.Fatal(err)
	}
	if len(segments) != 3 {
		t.Fatalf("segments = %d entries, want 3", len(segments))
	}
	for i, s := range segments {
		if s != nil {
			t.Errorf("segment %d = %v, want null", i, s)
		}
	}

	var boxes [][][][]float64
	if err := json.Unmarshal(members[MemberBoxes], &boxes); err != nil {
		t.Fatal(err)
	}
	if len(boxes[1][0]) != 0 || boxes[1][1] == nil || len(boxes[1][1]) != 0 {
		t.Errorf("empty frame entry = %v, want [[],[]]", boxes[1])
	}
	if len(boxes[2][1]) != 2 || len(boxes[2][1][0]) != 5 {
		t.Errorf("frame 2 boxes = %v, want 2×5", boxes[2][1])
	}

	var kps [][][][][]float64
	if err := json.Unmarshal(members[MemberKeypoints], &kps); err != nil {
		t.Fatal(err)
	}
	if got := kps[0][1][0]; len(got) != 4 || len(got[0]) != 17 {
		t.Errorf("keypoint entry shape = %d×%d, want 4×17", len(got), len(got[0]))
	}

	var meta map[string]int
	if err := json.Unmarshal(members[MemberMetadata], &meta); err != nil {
		t.Fatal(err)
	}
	if meta["w"] != 8 || meta["h"] != 6 {
		t.Errorf("metadata = %v", meta)
	}
}
