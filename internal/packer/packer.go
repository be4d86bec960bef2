// Package packer turns per-frame detector output into frame records and
// writes the per-video keypoint archive.
package packer

import (
	"fmt"
	"math"

	"github.com/videopose/posekeys/internal/model"
)

// Pack converts one frame's detector output into a record. Malformed output
// yields the empty record; Pack never fails.
func Pack(index int, out *model.DetectorOutput) model.FrameRecord {
	rec, _ := PackChecked(index, out)
	return rec
}

// PackChecked is Pack that also reports why a frame was replaced by the
// empty record.
func PackChecked(index int, out *model.DetectorOutput) (model.FrameRecord, error) {
	if out == nil {
		return model.EmptyFrameRecord(index), &model.DetectionError{Frame: index, Reason: "missing detector output"}
	}
	if err := validate(out); err != nil {
		return model.EmptyFrameRecord(index), &model.DetectionError{Frame: index, Reason: err.Error()}
	}

	n := out.Count()
	rec := model.FrameRecord{
		Index:     index,
		Boxes:     make([]model.Box, n),
		Keypoints: make([]model.Keypoints, n),
	}
	for i := 0; i < n; i++ {
		b := out.Boxes[i]
		rec.Boxes[i] = model.Box{b[0], b[1], b[2], b[3], out.Scores[i]}
		rec.Keypoints[i] = transpose(out.Keypoints[i])
	}
	return rec, nil
}

// transpose turns joints×(x, y, confidence) into channel-major
// (x, y, zero placeholder, confidence)×joints.
func transpose(joints [][]float32) model.Keypoints {
	var kp model.Keypoints
	for c := range kp {
		kp[c] = make([]float32, len(joints))
	}
	for j, v := range joints {
		kp[0][j] = v[0]
		kp[1][j] = v[1]
		kp[3][j] = v[2]
	}
	return kp
}

func validate(out *model.DetectorOutput) error {
	n := len(out.Boxes)
	if len(out.Scores) != n {
		return fmt.Errorf("%d boxes but %d scores", n, len(out.Scores))
	}
	if len(out.Keypoints) != n {
		return fmt.Errorf("%d boxes but %d keypoint sets", n, len(out.Keypoints))
	}
	joints := -1
	for i := 0; i < n; i++ {
		if len(out.Boxes[i]) != 4 {
			return fmt.Errorf("box %d has %d coordinates", i, len(out.Boxes[i]))
		}
		if !finite(out.Boxes[i]...) || !finite(out.Scores[i]) {
			return fmt.Errorf("box %d has a non-finite value", i)
		}
		if joints == -1 {
			joints = len(out.Keypoints[i])
		}
		if len(out.Keypoints[i]) != joints {
			return fmt.Errorf("detection %d has %d joints, expected %d", i, len(out.Keypoints[i]), joints)
		}
		for j, v := range out.Keypoints[i] {
			if len(v) != 3 {
				return fmt.Errorf("detection %d joint %d has %d values", i, j, len(v))
			}
			if !finite(v...) {
				return fmt.Errorf("detection %d joint %d has a non-finite value", i, j)
			}
		}
	}
	return nil
}

// finite reports whether no value is NaN or infinite. The archive encoding
// cannot represent either.
func finite(vs ...float32) bool {
	for _, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Accumulator collects frame records for one video in arrival order
type Accumulator struct {
	identity model.Identity
	frames   []model.FrameRecord
	meta     model.ArtifactMetadata
}

func NewAccumulator(identity model.Identity) *Accumulator {
	return &Accumulator{identity: identity, frames: []model.FrameRecord{}}
}

// Add appends the next frame. Records must arrive in frame order.
func (a *Accumulator) Add(frame model.Frame, rec model.FrameRecord) error {
	if rec.Index != len(a.frames) {
		return fmt.Errorf("frame %d out of order, expected %d", rec.Index, len(a.frames))
	}
	a.frames = append(a.frames, rec)
	a.meta = model.ArtifactMetadata{W: frame.Width, H: frame.Height}
	return nil
}

// Len returns the number of frames collected so far
func (a *Accumulator) Len() int {
	return len(a.frames)
}

// Artifact returns the collected artifact
func (a *Accumulator) Artifact() *model.VideoArtifact {
	return &model.VideoArtifact{
		Identity: a.identity,
		Frames:   a.frames,
		Metadata: a.meta,
	}
}
