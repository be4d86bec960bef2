package model

// Resolution is the fixed frame size of a video stream
type Resolution struct {
	Width  int
	Height int
}

// FrameSize returns the byte length of one bgr24 frame
func (r Resolution) FrameSize() int {
	return r.Width * r.Height * 3
}

// Frame is one decoded bgr24 frame
type Frame struct {
	Index  int
	Width  int
	Height int
	Data   []byte
}

// DetectorOutput is the raw result of running the pose detector on one frame.
// Boxes is N×4 (x1, y1, x2, y2), Scores has N entries and Keypoints is
// N×joints×3 (x, y, confidence).
type DetectorOutput struct {
	Boxes     [][]float32   `msgpack:"boxes" json:"boxes"`
	Scores    []float32     `msgpack:"scores" json:"scores"`
	Keypoints [][][]float32 `msgpack:"keypoints" json:"keypoints"`
}

// Count returns the number of detections reported
func (o DetectorOutput) Count() int {
	return len(o.Boxes)
}

// Box is one bounding box: x1, y1, x2, y2, score
type Box [5]float32

// Keypoints holds one detection's joints channel-major: x, y, a zero
// placeholder and confidence, each of length joint count.
type Keypoints [4][]float32

// Joints returns the joint count of the detection
func (k Keypoints) Joints() int {
	return len(k[0])
}

// FrameRecord is one frame's packed detections. Boxes and Keypoints are
// aligned by detection index and are never nil.
type FrameRecord struct {
	Index     int         `json:"index"`
	Boxes     []Box       `json:"boxes"`
	Keypoints []Keypoints `json:"keypoints"`
}

// EmptyFrameRecord returns a record with no detections
func EmptyFrameRecord(index int) FrameRecord {
	return FrameRecord{
		Index:     index,
		Boxes:     []Box{},
		Keypoints: []Keypoints{},
	}
}

// ArtifactMetadata is the video resolution captured from the last decoded frame
type ArtifactMetadata struct {
	W int `json:"w"`
	H int `json:"h"`
}

// VideoArtifact is the finished keypoint archive of one video
type VideoArtifact struct {
	Identity Identity
	Frames   []FrameRecord
	Metadata ArtifactMetadata
}
