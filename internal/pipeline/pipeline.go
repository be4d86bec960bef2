// Package pipeline drives each video of a shard through probe, stream, pack
// and write, one video at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/videopose/posekeys/internal/client"
	"github.com/videopose/posekeys/internal/decoder"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/internal/packer"
	"github.com/videopose/posekeys/internal/syncer"
)

// Detector runs pose detection on a single frame. It is not reentrant.
type Detector interface {
	Detect(ctx context.Context, frame model.Frame) (*model.DetectorOutput, error)
}

// Reporter receives progress updates. Implementations must not block.
type Reporter interface {
	ReportItem(ctx context.Context, report model.ItemReport)
	ReportRun(ctx context.Context, run model.Run)
}

type nopReporter struct{}

func (nopReporter) ReportItem(context.Context, model.ItemReport) {}
func (nopReporter) ReportRun(context.Context, model.Run)         {}

// Options configures a Driver
type Options struct {
	OutputDir      string
	Prefix         string
	PushAfterWrite bool
	RunID          string
	Shard          int
	ShardCount     int
}

// Failure records one failed identity
type Failure struct {
	Identity model.Identity
	Err      error
}

// Summary is the outcome of Run
type Summary struct {
	Total       int
	Done        int
	Skipped     int
	Failed      int
	Failures    []Failure
	Interrupted bool
}

// Driver processes work items sequentially
type Driver struct {
	source   decoder.Source
	detector Detector
	store    client.StorageClient
	syncer   *syncer.Syncer
	reporter Reporter
	opts     Options
	base     *slog.Logger
	logger   *slog.Logger
}

// New creates a Driver. store and reporter may be nil.
func New(source decoder.Source, detector Detector, store client.StorageClient, reporter Reporter, opts Options, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if opts.ShardCount == 0 {
		opts.ShardCount = 1
	}
	d := &Driver{
		source:   source,
		detector: detector,
		store:    store,
		reporter: reporter,
		opts:     opts,
		base:     logger,
		logger:   logger.With("run_id", opts.RunID, "shard", opts.Shard),
	}
	if store != nil {
		d.syncer = syncer.New(store, model.ArtifactExt, logger)
	}
	return d
}

// WithRun returns a copy of the driver reporting under another run, for
// workers that pull items of many runs from a queue.
func (d *Driver) WithRun(runID string, shard int) *Driver {
	c := *d
	c.opts.RunID = runID
	c.opts.Shard = shard
	c.logger = d.base.With("run_id", runID, "shard", shard)
	return &c
}

// Run processes every item of the shard in order. Item failures are logged
// and reported; only context cancellation stops the loop early.
func (d *Driver) Run(ctx context.Context, items []model.Item) Summary {
	sum := Summary{Total: len(items)}
	run := model.Run{
		ID:         d.opts.RunID,
		Shard:      d.opts.Shard,
		ShardCount: d.opts.ShardCount,
		Status:     model.RunStatusRunning,
		Total:      len(items),
		StartedAt:  time.Now(),
	}
	d.reporter.ReportRun(ctx, run)
	d.logger.Info("run started", "total", len(items), "shard_count", d.opts.ShardCount)

	for i, item := range items {
		if ctx.Err() != nil {
			sum.Interrupted = true
			d.logger.Warn("run interrupted", "remaining", len(items)-i)
			break
		}

		status, err := d.ProcessAt(ctx, item, i+1, len(items))
		switch status {
		case model.ItemStatusDone:
			sum.Done++
			run.Done++
		case model.ItemStatusSkip:
			sum.Skipped++
			run.Skipped++
		default:
			sum.Failed++
			run.Failed++
			sum.Failures = append(sum.Failures, Failure{Identity: item.Identity, Err: err})
		}
		d.reporter.ReportRun(ctx, run)
	}

	finished := time.Now()
	run.Status = model.RunStatusFinished
	run.FinishedAt = &finished
	// Report the final state even when ctx is already cancelled
	d.reporter.ReportRun(context.WithoutCancel(ctx), run)

	d.logger.Info("run finished",
		"done", sum.Done,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"duration", finished.Sub(run.StartedAt).Round(time.Millisecond),
	)
	return sum
}

// ProcessOne processes a single item outside of a shard run
func (d *Driver) ProcessOne(ctx context.Context, item model.Item) (model.ItemStatus, error) {
	return d.ProcessAt(ctx, item, 1, 1)
}

// ProcessAt processes item as the index-th of total and reports the outcome
func (d *Driver) ProcessAt(ctx context.Context, item model.Item, index, total int) (model.ItemStatus, error) {
	logger := d.logger.With("identity", item.Identity, "index", index, "total", total)
	report := func(status model.ItemStatus, stage model.Stage, frames int, err error) {
		r := model.ItemReport{
			RunID:     d.opts.RunID,
			Shard:     d.opts.Shard,
			Index:     index,
			Total:     total,
			Identity:  item.Identity,
			Status:    status,
			Stage:     stage,
			Frames:    frames,
			UpdatedAt: time.Now(),
		}
		if err != nil {
			msg := err.Error()
			r.Error = &msg
		}
		d.reporter.ReportItem(context.WithoutCancel(ctx), r)
	}

	start := time.Now()
	status, stage, frames, err := d.process(ctx, item, logger, func(stage model.Stage, frames int) {
		report("", stage, frames, nil)
	})
	report(status, stage, frames, err)

	switch status {
	case model.ItemStatusDone:
		logger.Info("item done", "status", status, "frames", frames, "duration", time.Since(start).Round(time.Millisecond))
	case model.ItemStatusSkip:
		logger.Info("item skipped", "status", status)
	default:
		logger.Error("item failed", "status", status, "stage", stage, "code", model.ErrorCode(err), "error", err)
	}
	return status, err
}

// process runs the per-video state machine and returns the final status, the
// stage it ended in and the number of frames packed.
func (d *Driver) process(ctx context.Context, item model.Item, logger *slog.Logger, enter func(model.Stage, int)) (model.ItemStatus, model.Stage, int, error) {
	id := item.Identity

	// Work finished by another worker since the completion set was built
	final := filepath.Join(d.opts.OutputDir, id.ArtifactName())
	if _, err := os.Stat(final); err == nil {
		logger.Debug("artifact exists locally")
		return model.ItemStatusSkip, model.StageDone, 0, nil
	}
	if d.store != nil {
		exists, err := d.store.Exists(ctx, id.ArtifactKey(d.opts.Prefix))
		if err != nil {
			logger.Warn("remote completion check failed, processing anyway", "error", err)
		} else if exists {
			logger.Debug("artifact exists remotely")
			return model.ItemStatusSkip, model.StageDone, 0, nil
		}
	}

	info, err := os.Stat(item.Path)
	if err != nil {
		return model.ItemStatusFail, model.StagePending, 0, &model.ProbeError{Path: item.Path, Err: err}
	}
	if info.Size() == 0 {
		return model.ItemStatusFail, model.StagePending, 0, &model.EmptySourceError{Path: item.Path}
	}

	enter(model.StageProbing, 0)
	res, err := d.source.Probe(ctx, item.Path)
	if err != nil {
		var probeErr *model.ProbeError
		if !errors.As(err, &probeErr) {
			err = &model.ProbeError{Path: item.Path, Err: err}
		}
		return model.ItemStatusFail, model.StageProbing, 0, err
	}
	logger.Debug("probed", "width", res.Width, "height", res.Height)

	enter(model.StageStreaming, 0)
	acc, err := d.stream(ctx, item, res, logger)
	if err != nil {
		return model.ItemStatusFail, model.StageStreaming, acc.Len(), err
	}

	enter(model.StageFinalizing, acc.Len())
	path, err := packer.WriteArchive(d.opts.OutputDir, acc.Artifact())
	if err != nil {
		return model.ItemStatusFail, model.StageFinalizing, acc.Len(), err
	}
	logger.Debug("artifact written", "path", path)

	if d.opts.PushAfterWrite && d.syncer != nil {
		uploaded, err := d.syncer.PushOne(ctx, path, d.opts.Prefix)
		switch {
		case err != nil:
			// The local artifact is the output of record; sync push reconciles later
			logger.Warn("upload after write failed", "code", model.ErrorCode(err), "error", err)
		case uploaded:
			logger.Debug("artifact uploaded", "key", id.ArtifactKey(d.opts.Prefix))
		}
	}

	return model.ItemStatusDone, model.StageDone, acc.Len(), nil
}

// stream decodes, detects and packs every frame in order. The returned
// accumulator is never nil.
func (d *Driver) stream(ctx context.Context, item model.Item, res model.Resolution, logger *slog.Logger) (*packer.Accumulator, error) {
	acc := packer.NewAccumulator(item.Identity)

	s, err := d.source.Open(ctx, item.Path, res)
	if err != nil {
		return acc, err
	}
	defer s.Close()

	for {
		frame, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc, err
		}

		t := time.Now()
		rec, err := d.detect(ctx, frame)
		if err != nil {
			return acc, err
		}
		if err := acc.Add(frame, rec); err != nil {
			return acc, &model.DecodeStreamError{Path: item.Path, Frame: frame.Index, Err: err}
		}
		logger.Debug("frame packed", "frame", frame.Index, "detections", len(rec.Boxes), "elapsed", time.Since(t))
	}

	if acc.Len() == 0 {
		return acc, &model.DecodeStreamError{Path: item.Path, Err: errors.New("no frames decoded")}
	}
	return acc, nil
}

// detect returns the packed record for frame. Frame-level detection errors
// are recovered with the empty record; anything else aborts the video.
func (d *Driver) detect(ctx context.Context, frame model.Frame) (model.FrameRecord, error) {
	out, err := d.detector.Detect(ctx, frame)
	if err != nil {
		var detErr *model.DetectionError
		if errors.As(err, &detErr) {
			d.logger.Warn("detection failed, using empty frame", "frame", frame.Index, "error", err)
			return model.EmptyFrameRecord(frame.Index), nil
		}
		return model.FrameRecord{}, fmt.Errorf("detect frame %d: %w", frame.Index, err)
	}

	rec, err := packer.PackChecked(frame.Index, out)
	if err != nil {
		d.logger.Warn("malformed detector output, using empty frame", "frame", frame.Index, "error", err)
	}
	return rec, nil
}
