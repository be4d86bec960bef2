package decoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/videopose/posekeys/internal/model"
)

// stderrLimit caps how much decoder stderr is kept for error reports
const stderrLimit = 4096

// FFmpeg decodes videos with ffprobe and ffmpeg processes
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}
}

// Probe runs ffprobe on the first video stream
func (f *FFmpeg) Probe(ctx context.Context, path string) (model.Resolution, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return model.Resolution{}, &model.ProbeError{
			Path: path,
			Err:  fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}

	res, err := ParseResolution(out)
	if err != nil {
		return model.Resolution{}, &model.ProbeError{Path: path, Err: err}
	}
	return res, nil
}

// ParseResolution reads the first "width,height" line of ffprobe csv output
func ParseResolution(out []byte) (model.Resolution, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			return model.Resolution{}, fmt.Errorf("unexpected probe output %q", line)
		}
		w, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return model.Resolution{}, fmt.Errorf("invalid width %q: %w", fields[0], err)
		}
		h, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return model.Resolution{}, fmt.Errorf("invalid height %q: %w", fields[1], err)
		}
		if w <= 0 || h <= 0 {
			return model.Resolution{}, fmt.Errorf("invalid resolution %dx%d", w, h)
		}
		return model.Resolution{Width: w, Height: h}, nil
	}
	return model.Resolution{}, errors.New("no video stream found")
}

// Open starts ffmpeg writing raw bgr24 frames to a pipe
func (f *FFmpeg) Open(ctx context.Context, path string, res model.Resolution) (Stream, error) {
	if res.FrameSize() <= 0 {
		return nil, &model.ProbeError{Path: path, Err: fmt.Errorf("invalid resolution %dx%d", res.Width, res.Height)}
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-i", path,
		"-f", "image2pipe",
		"-pix_fmt", "bgr24",
		"-vsync", "0",
		"-vcodec", "rawvideo",
		"-",
	)
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &model.DecodeStreamError{Path: path, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &model.DecodeStreamError{Path: path, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	f.logger.Debug("decoder started", "path", path, "pid", cmd.Process.Pid, "width", res.Width, "height", res.Height)

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("ffmpeg exited: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
	kill := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return newRawStream(stdout, path, res, wait, kill), nil
}

// rawStream cuts a bgr24 byte stream into frames
type rawStream struct {
	r     *bufio.Reader
	path  string
	res   model.Resolution
	index int
	wait  func() error
	kill  func()

	once    sync.Once
	waitErr error
	done    bool
}

func newRawStream(r io.Reader, path string, res model.Resolution, wait func() error, kill func()) *rawStream {
	return &rawStream{
		r:    bufio.NewReaderSize(r, res.FrameSize()),
		path: path,
		res:  res,
		wait: wait,
		kill: kill,
	}
}

func (s *rawStream) Next() (model.Frame, error) {
	if s.done {
		return model.Frame{}, io.EOF
	}

	buf := make([]byte, s.res.FrameSize())
	_, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		frame := model.Frame{
			Index:  s.index,
			Width:  s.res.Width,
			Height: s.res.Height,
			Data:   buf,
		}
		s.index++
		return frame, nil

	case errors.Is(err, io.EOF):
		s.done = true
		if werr := s.finish(); werr != nil {
			return model.Frame{}, &model.DecodeStreamError{Path: s.path, Frame: s.index, Err: werr}
		}
		return model.Frame{}, io.EOF

	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		werr := s.finish()
		if werr == nil {
			werr = errors.New("truncated frame")
		}
		return model.Frame{}, &model.DecodeStreamError{Path: s.path, Frame: s.index, Err: werr}

	default:
		s.done = true
		s.kill()
		_ = s.finish()
		return model.Frame{}, &model.DecodeStreamError{Path: s.path, Frame: s.index, Err: err}
	}
}

// Close stops the decoder if it is still running
func (s *rawStream) Close() error {
	if !s.done {
		s.done = true
		s.kill()
		_ = s.finish()
	}
	return nil
}

func (s *rawStream) finish() error {
	s.once.Do(func() {
		s.waitErr = s.wait()
	})
	return s.waitErr
}

// limitedBuffer keeps the first limit bytes written to it
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
