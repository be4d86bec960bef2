package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/videopose/posekeys/internal/config"
	"github.com/videopose/posekeys/internal/model"
)

const TaskTypeExtract = "keypoints:extract"

// QueueService enqueues identities for workers pulling from the queue
type QueueService struct {
	asynqClient *asynq.Client
	inspector   *asynq.Inspector
	progress    *ProgressService
	cfg         config.QueueConfig
}

// NewQueueService creates a QueueService. inspector may be nil, in which case
// a finished task still holding an identity's ID blocks re-enqueueing it
// until its retention expires.
func NewQueueService(asynqClient *asynq.Client, inspector *asynq.Inspector, progress *ProgressService, cfg config.QueueConfig) *QueueService {
	return &QueueService{
		asynqClient: asynqClient,
		inspector:   inspector,
		progress:    progress,
		cfg:         cfg,
	}
}

// EnqueueResult counts the outcome of EnqueueShard
type EnqueueResult struct {
	Enqueued   int
	Duplicates int
	Failed     int
}

// EnqueueShard records the run and queues one task per item. Task IDs are the
// identities, so an identity already waiting or running is not queued twice.
// A task left archived or completed by an earlier run is replaced. The run
// total counts only the tasks this call queued.
func (s *QueueService) EnqueueShard(ctx context.Context, run *model.Run, items []model.Item) (EnqueueResult, error) {
	var res EnqueueResult

	if s.progress != nil {
		run.Status = model.RunStatusRunning
		run.Total = len(items)
		if run.StartedAt.IsZero() {
			run.StartedAt = time.Now()
		}
		if err := s.progress.SaveRun(ctx, run); err != nil {
			return res, fmt.Errorf("failed to save run: %w", err)
		}
	}

	var errs []error
	for i, item := range items {
		task, err := NewExtractTask(&model.ExtractTaskPayload{
			RunID: run.ID,
			Shard: run.Shard,
			Index: i + 1,
			Total: len(items),
			Item:  item,
		})
		if err != nil {
			return res, fmt.Errorf("failed to create task: %w", err)
		}

		err = s.enqueue(ctx, task, string(item.Identity))
		switch {
		case err == nil:
			res.Enqueued++
		case errors.Is(err, asynq.ErrTaskIDConflict):
			res.Duplicates++
		default:
			res.Failed++
			errs = append(errs, fmt.Errorf("failed to enqueue %s: %w", item.Identity, err))
		}
	}

	if s.progress != nil && res.Enqueued != len(items) {
		run.Total = res.Enqueued
		if run.Total == 0 {
			now := time.Now()
			run.Status = model.RunStatusFinished
			run.FinishedAt = &now
		}
		if err := s.progress.SaveRun(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("failed to save run: %w", err))
		}
	}

	return res, errors.Join(errs...)
}

// enqueue queues task under id. A conflicting task that is archived or
// completed is deleted and the enqueue retried once.
func (s *QueueService) enqueue(ctx context.Context, task *asynq.Task, id string) error {
	opts := []asynq.Option{
		asynq.TaskID(id),
		asynq.Queue(s.cfg.Name),
		asynq.MaxRetry(s.cfg.MaxRetry),
		asynq.Retention(s.cfg.Retention),
	}
	_, err := s.asynqClient.EnqueueContext(ctx, task, opts...)
	if !errors.Is(err, asynq.ErrTaskIDConflict) || s.inspector == nil {
		return err
	}

	info, ierr := s.inspector.GetTaskInfo(s.cfg.Name, id)
	if ierr != nil {
		// Gone since the conflict, or the queue is unreadable; report the conflict
		return err
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return err
	}
	if derr := s.inspector.DeleteTask(s.cfg.Name, id); derr != nil {
		return fmt.Errorf("failed to replace finished task: %w", derr)
	}
	_, err = s.asynqClient.EnqueueContext(ctx, task, opts...)
	return err
}

// NewExtractTask wraps the payload in an asynq task
func NewExtractTask(payload *model.ExtractTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExtract, data), nil
}

// ParseExtractTask decodes the payload of an extract task
func ParseExtractTask(t *asynq.Task) (*model.ExtractTaskPayload, error) {
	var payload model.ExtractTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if payload.RunID == "" || payload.Item.Identity == "" || payload.Item.Path == "" {
		return nil, fmt.Errorf("incomplete task payload")
	}
	return &payload, nil
}
