package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/videopose/posekeys/internal/model"
)

// progressChannel carries live updates from every worker to the status server
const progressChannel = "posekeys:progress"

// ProgressService persists run and item status in redis
type ProgressService struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewProgressService(redisClient *redis.Client, ttl time.Duration) *ProgressService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressService{redis: redisClient, ttl: ttl}
}

// progressEvent is published on progressChannel; exactly one field is set
type progressEvent struct {
	Item *model.ItemReport `json:"item,omitempty"`
	Run  *model.Run        `json:"run,omitempty"`
}

// SaveRun stores the run record and publishes it
func (s *ProgressService) SaveRun(ctx context.Context, run *model.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, runKey(run.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return s.publish(ctx, progressEvent{Run: run})
}

// SaveItem stores the latest report for an identity and publishes it
func (s *ProgressService) SaveItem(ctx context.Context, report *model.ItemReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	key := itemsKey(report.RunID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, string(report.Identity), data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return s.publish(ctx, progressEvent{Item: report})
}

// GetRun returns the run with counters derived from the latest item reports,
// so workers pulling from the queue never race on a shared counter.
func (s *ProgressService) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	data, err := s.redis.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("run %s: %w", runID, model.ErrNotFound)
		}
		return nil, err
	}

	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}

	items, err := s.ListItems(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &run, nil
	}

	run.Done, run.Skipped, run.Failed = 0, 0, 0
	var last time.Time
	for _, item := range items {
		switch item.Status {
		case model.ItemStatusDone:
			run.Done++
		case model.ItemStatusSkip:
			run.Skipped++
		case model.ItemStatusFail:
			run.Failed++
		}
		if item.UpdatedAt.After(last) {
			last = item.UpdatedAt
		}
	}
	if run.Status == model.RunStatusRunning && run.Total > 0 && run.Done+run.Skipped+run.Failed >= run.Total {
		run.Status = model.RunStatusFinished
		run.FinishedAt = &last
	}
	return &run, nil
}

// GetItem returns the latest report for one identity of a run
func (s *ProgressService) GetItem(ctx context.Context, runID string, id model.Identity) (*model.ItemReport, error) {
	data, err := s.redis.HGet(ctx, itemsKey(runID), string(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("item %s in run %s: %w", id, runID, model.ErrNotFound)
		}
		return nil, err
	}

	var report model.ItemReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListItems returns the latest report of every identity seen in a run,
// ordered by index
func (s *ProgressService) ListItems(ctx context.Context, runID string) ([]model.ItemReport, error) {
	vals, err := s.redis.HVals(ctx, itemsKey(runID)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]model.ItemReport, 0, len(vals))
	for _, v := range vals {
		var report model.ItemReport
		if err := json.Unmarshal([]byte(v), &report); err != nil {
			return nil, err
		}
		items = append(items, report)
	}
	sortReports(items)
	return items, nil
}

// Subscribe forwards published progress to the given callbacks until ctx is
// done. It is meant to run in its own goroutine.
func (s *ProgressService) Subscribe(ctx context.Context, onItem func(model.ItemReport), onRun func(model.Run), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := s.redis.Subscribe(ctx, progressChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to progress: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev progressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("invalid progress event", "error", err)
				continue
			}
			switch {
			case ev.Item != nil:
				onItem(*ev.Item)
			case ev.Run != nil:
				onRun(*ev.Run)
			}
		}
	}
}

func (s *ProgressService) publish(ctx context.Context, ev progressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, progressChannel, data).Err()
}

func runKey(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}

func itemsKey(runID string) string {
	return fmt.Sprintf("run:%s:items", runID)
}

func sortReports(items []model.ItemReport) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Shard != items[j].Shard {
			return items[i].Shard < items[j].Shard
		}
		if items[i].Index != items[j].Index {
			return items[i].Index < items[j].Index
		}
		return items[i].Identity < items[j].Identity
	})
}
