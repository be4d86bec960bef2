package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/videopose/posekeys/internal/model"
)

// Broadcaster pushes live updates to subscribers
type Broadcaster interface {
	BroadcastItem(report model.ItemReport)
	BroadcastRun(run model.Run)
}

// Reporter fans driver progress out to redis and live subscribers. Either
// side may be nil. Write failures are logged and never reach the driver.
type Reporter struct {
	progress *ProgressService
	hub      Broadcaster
	timeout  time.Duration
	logger   *slog.Logger
}

func NewReporter(progress *ProgressService, hub Broadcaster, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		progress: progress,
		hub:      hub,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

func (r *Reporter) ReportItem(ctx context.Context, report model.ItemReport) {
	if r.progress != nil {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.progress.SaveItem(ctx, &report); err != nil {
			r.logger.Warn("failed to save item progress", "run_id", report.RunID, "identity", report.Identity, "error", err)
		}
	}
	if r.hub != nil {
		r.hub.BroadcastItem(report)
	}
}

func (r *Reporter) ReportRun(ctx context.Context, run model.Run) {
	if r.progress != nil {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.progress.SaveRun(ctx, &run); err != nil {
			r.logger.Warn("failed to save run progress", "run_id", run.ID, "error", err)
		}
	}
	if r.hub != nil {
		r.hub.BroadcastRun(run)
	}
}
