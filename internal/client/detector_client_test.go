package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/videopose/posekeys/internal/model"
)

// TestHelperDetector is not a real test: it is re-executed as the sidecar
// process by the tests below.
func TestHelperDetector(t *testing.T) {
	if os.Getenv("POSEKEYS_HELPER_DETECTOR") != "1" {
		return
	}
	in := bufio.NewReader(os.Stdin)
	for {
		var req detectRequest
		if err := readMessage(in, &req); err != nil {
			os.Exit(0)
		}
		resp := detectResponse{Seq: req.Seq}
		switch {
		case req.Seq == 1:
			resp.Error = "model returned no instances tensor"
		default:
			n := req.Seq % 3
			resp.Boxes = make([][]float32, n)
			resp.Scores = make([]float32, n)
			resp.Keypoints = make([][][]float32, n)
			for i := 0; i < n; i++ {
				resp.Boxes[i] = []float32{0, 0, float32(req.Width), float32(req.Height)}
				resp.Scores[i] = 0.5
				resp.Keypoints[i] = [][]float32{{1, 2, 0.5}, {3, 4, 0.25}}
			}
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			os.Exit(1)
		}
	}
}

func helperDetector(t *testing.T) *SidecarDetector {
	t.Helper()
	t.Setenv("POSEKEYS_HELPER_DETECTOR", "1")
	d, err := NewSidecarDetector(DetectorConfig{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperDetector$"},
		RequestTimeout: 10 * time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSidecarDetectorRoundTrip(t *testing.T) {
	d := helperDetector(t)
	ctx := context.Background()

	out, err := d.Detect(ctx, model.Frame{Index: 2, Width: 8, Height: 6, Data: make([]byte, 8*6*3)})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if out.Count() != 2 {
		t.Fatalf("detections = %d, want 2", out.Count())
	}
	if out.Boxes[0][2] != 8 || out.Boxes[0][3] != 6 {
		t.Errorf("box = %v", out.Boxes[0])
	}
	if len(out.Keypoints[1]) != 2 || out.Keypoints[1][1][2] != 0.25 {
		t.Errorf("keypoints = %v", out.Keypoints[1])
	}

	out, err = d.Detect(ctx, model.Frame{Index: 3, Width: 8, Height: 6, Data: make([]byte, 8*6*3)})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if out.Count() != 0 {
		t.Errorf("detections = %d, want 0", out.Count())
	}
}

func TestSidecarDetectorErrorResponse(t *testing.T) {
	d := helperDetector(t)

	_, err := d.Detect(context.Background(), model.Frame{Index: 1, Width: 2, Height: 2, Data: make([]byte, 12)})
	var detErr *model.DetectionError
	if !errors.As(err, &detErr) {
		t.Fatalf("expected DetectionError, got %v", err)
	}
	if detErr.Frame != 1 {
		t.Errorf("frame = %d, want 1", detErr.Frame)
	}

	// The process stays usable after a frame-level error
	if _, err := d.Detect(context.Background(), model.Frame{Index: 4, Width: 2, Height: 2, Data: make([]byte, 12)}); err != nil {
		t.Fatalf("Detect after error response: %v", err)
	}
}

func TestSidecarDetectorMissingCommand(t *testing.T) {
	d, err := NewSidecarDetector(DetectorConfig{Command: "/nonexistent/detector"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Detect(context.Background(), model.Frame{Index: 0})
	if !errors.Is(err, ErrDetectorUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got %v", err)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	req := detectRequest{Seq: 7, Width: 3, Height: 2, Frame: []byte{1, 2, 3}}
	if err := writeMessage(&buf, req); err != nil {
		t.Fatal(err)
	}
	if err := writeMessage(&buf, detectRequest{Seq: 8}); err != nil {
		t.Fatal(err)
	}

	var got detectRequest
	if err := readMessage(&buf, &got); err != nil {
		t.Fatal(err)
	}
	if got.Seq != 7 || got.Width != 3 || !bytes.Equal(got.Frame, req.Frame) {
		t.Errorf("got %+v", got)
	}
	if err := readMessage(&buf, &got); err != nil || got.Seq != 8 {
		t.Errorf("second message: %+v, %v", got, err)
	}
}
