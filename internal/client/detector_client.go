package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/videopose/posekeys/internal/model"
)

// maxMessageSize bounds a single sidecar response
const maxMessageSize = 64 << 20

// ErrDetectorUnavailable means the sidecar process could not be reached.
// Unlike a DetectionError it is not recoverable within the frame.
var ErrDetectorUnavailable = errors.New("detector unavailable")

// DetectorConfig configures the detector sidecar process
type DetectorConfig struct {
	Command        string
	Args           []string
	ModelConfig    string
	ScoreThreshold float64
	RequestTimeout time.Duration
}

type detectRequest struct {
	Seq    int    `msgpack:"seq"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Frame  []byte `msgpack:"frame"`
}

type detectResponse struct {
	Seq int `msgpack:"seq"`
	model.DetectorOutput
	Error string `msgpack:"error"`
}

// SidecarDetector runs the pose detector as a long-lived child process.
// Frames go to its stdin and results come back on stdout, each message a
// 4-byte big-endian length followed by msgpack data. Calls are serialized;
// the detector is not reentrant.
type SidecarDetector struct {
	cfg    DetectorConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
}

func NewSidecarDetector(cfg DetectorConfig, logger *slog.Logger) (*SidecarDetector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarDetector{cfg: cfg, logger: logger}, nil
}

// Detect runs the detector on one frame. A malformed or error response is a
// DetectionError; transport failures wrap ErrDetectorUnavailable and the
// process is restarted on the next call.
func (d *SidecarDetector) Detect(ctx context.Context, frame model.Frame) (*model.DetectorOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		if err := d.start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
		}
	}

	req := detectRequest{
		Seq:    frame.Index,
		Width:  frame.Width,
		Height: frame.Height,
		Frame:  frame.Data,
	}

	type result struct {
		resp detectResponse
		err  error
	}
	done := make(chan result, 1)
	stdin, stdout := d.stdin, d.stdout
	go func() {
		var r result
		if r.err = writeMessage(stdin, req); r.err == nil {
			r.err = readMessage(stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			var decodeErr *decodeError
			if errors.As(r.err, &decodeErr) {
				return nil, &model.DetectionError{Frame: frame.Index, Reason: "undecodable response", Err: r.err}
			}
			d.stopLocked()
			return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, r.err)
		}
		if r.resp.Error != "" {
			return nil, &model.DetectionError{Frame: frame.Index, Reason: r.resp.Error}
		}
		if r.resp.Seq != frame.Index {
			d.stopLocked()
			return nil, fmt.Errorf("%w: response for frame %d while waiting for %d", ErrDetectorUnavailable, r.resp.Seq, frame.Index)
		}
		out := r.resp.DetectorOutput
		return &out, nil

	case <-timer.C:
		d.stopLocked()
		return nil, fmt.Errorf("%w: no response for frame %d after %v", ErrDetectorUnavailable, frame.Index, d.cfg.RequestTimeout)

	case <-ctx.Done():
		d.stopLocked()
		return nil, ctx.Err()
	}
}

// Close stops the sidecar process
func (d *SidecarDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *SidecarDetector) start() error {
	args := append([]string{}, d.cfg.Args...)
	if d.cfg.ModelConfig != "" {
		args = append(args, "--cfg", d.cfg.ModelConfig)
	}
	if d.cfg.ScoreThreshold > 0 {
		args = append(args, "--score-threshold", fmt.Sprintf("%.2f", d.cfg.ScoreThreshold))
	}

	cmd := exec.Command(d.cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.exited = make(chan struct{})

	d.logger.Info("detector process spawned", "pid", cmd.Process.Pid, "command", d.cfg.Command)

	go d.logStderr(stderr)
	go d.waitProcess(cmd, d.exited)
	return nil
}

func (d *SidecarDetector) stopLocked() {
	if d.cmd == nil {
		return
	}
	d.stdin.Close()
	select {
	case <-d.exited:
	case <-time.After(2 * time.Second):
		_ = d.cmd.Process.Kill()
		<-d.exited
	}
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil
}

func (d *SidecarDetector) waitProcess(cmd *exec.Cmd, exited chan struct{}) {
	defer close(exited)
	if err := cmd.Wait(); err != nil {
		d.logger.Warn("detector process exited", "pid", cmd.Process.Pid, "error", err)
		return
	}
	d.logger.Debug("detector process exited", "pid", cmd.Process.Pid)
}

// logStderr maps the sidecar's log prefixes onto slog levels
func (d *SidecarDetector) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"), strings.Contains(line, "Traceback"):
			d.logger.Error("detector", "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			d.logger.Warn("detector", "line", line)
		default:
			d.logger.Debug("detector", "line", line)
		}
	}
}

// decodeError marks a well-framed message whose body could not be decoded
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }

func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxMessageSize {
		return fmt.Errorf("response of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return &decodeError{err: err}
	}
	return nil
}
