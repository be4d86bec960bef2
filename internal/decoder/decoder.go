// Package decoder produces raw frames from video files through an external
// decoder process.
package decoder

import (
	"context"

	"github.com/videopose/posekeys/internal/model"
)

// Source probes and opens videos
type Source interface {
	// Probe returns the stream resolution; it must succeed before Open.
	Probe(ctx context.Context, path string) (model.Resolution, error)
	Open(ctx context.Context, path string, res model.Resolution) (Stream, error)
}

// Stream is a single-pass, ordered sequence of frames. Next returns io.EOF
// after the last frame.
type Stream interface {
	Next() (model.Frame, error)
	Close() error
}
