package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/videopose/posekeys/internal/client"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/internal/pipeline"
	"github.com/videopose/posekeys/internal/service"
)

// ExtractWorker runs queued identities through the pipeline driver
type ExtractWorker struct {
	driver *pipeline.Driver
	logger *slog.Logger
}

// NewExtractWorker creates a new extract worker
func NewExtractWorker(driver *pipeline.Driver, logger *slog.Logger) *ExtractWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractWorker{driver: driver, logger: logger}
}

// ProcessTask handles one extract task. Failures of the video itself are not
// retried; a missing detector or a cancelled context are.
func (w *ExtractWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := service.ParseExtractTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	retry, _ := asynq.GetRetryCount(ctx)
	w.logger.Debug("extract task received", "task_id", taskID, "retry", retry, "run_id", payload.RunID, "identity", payload.Item.Identity)

	d := w.driver.WithRun(payload.RunID, payload.Shard)
	status, err := d.ProcessAt(ctx, payload.Item, payload.Index, payload.Total)
	if status != model.ItemStatusFail {
		return nil
	}

	if retryable(ctx, err) {
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, client.ErrDetectorUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
