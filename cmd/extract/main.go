package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/videopose/posekeys/internal/client"
	"github.com/videopose/posekeys/internal/completion"
	"github.com/videopose/posekeys/internal/config"
	"github.com/videopose/posekeys/internal/decoder"
	"github.com/videopose/posekeys/internal/logging"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/internal/partition"
	"github.com/videopose/posekeys/internal/pipeline"
	"github.com/videopose/posekeys/internal/service"
)

func main() {
	flags := pflag.NewFlagSet("extract", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: extract [flags] <video file or directory>\n\n")
		flags.PrintDefaults()
	}
	flags.String("config", "", "path to a config file")
	flags.String("output-dir", "/tmp/infer_simple", "directory for keypoint archives")
	flags.String("image-ext", "mp4", "video file extension to look for in a directory")
	flags.Int("chunk-num", 0, "index of the shard processed by this worker")
	flags.Int("chunk-count", 4, "number of shards the pending list is split into")
	flags.Bool("push", false, "upload each archive to the store after writing it")
	flags.String("prefix", "", "remote prefix for archives (default from config)")
	flags.String("log-level", "", "debug, info, warn or error")
	enqueue := flags.Bool("enqueue", false, "queue the shard for workers instead of processing it")
	_ = flags.Parse(os.Args[1:])

	// Before config.Load so configuration errors are formatted too
	logging.Setup("info")

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	input := flags.Arg(0)

	cfg, err := config.Load(flags)
	if err != nil {
		fatal("failed to load config", err)
	}
	logger := logging.Setup(cfg.Server.LogLevel)

	if err := partition.Validate(cfg.Extract.ChunkCount, cfg.Extract.ChunkNum); err != nil {
		fatal("invalid shard", err)
	}

	store, err := client.OpenStorageClient(&cfg.Store)
	if err != nil {
		fatal("failed to open store", err)
	}
	if store == nil {
		logger.Info("object store not configured, using local completion only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths, err := completion.Discover(input, cfg.Extract.ImageExt)
	if err != nil {
		fatal("failed to discover videos", err)
	}
	candidates := completion.Candidates(paths, logger)

	var lister completion.Lister
	if store != nil {
		lister = store
	}
	oracle, err := completion.Build(ctx, cfg.Extract.OutputDir, lister, cfg.Store.Prefix)
	if err != nil {
		fatal("failed to build completion set", err)
	}
	local, remote := oracle.Set().Sources()
	pending := oracle.Pending(candidates)

	shard, err := partition.Partition(pending, cfg.Extract.ChunkCount, cfg.Extract.ChunkNum)
	if err != nil {
		fatal("invalid shard", err)
	}

	runID := uuid.New().String()
	base := logger
	logger = logger.With("run_id", runID, "shard", cfg.Extract.ChunkNum)
	logger.Info("work planned",
		"candidates", len(candidates),
		"complete_local", local,
		"complete_remote", remote,
		"pending", len(pending),
		"shard_size", len(shard),
		"shard_count", cfg.Extract.ChunkCount,
	)

	if *enqueue {
		if err := enqueueShard(ctx, cfg, runID, shard, logger); err != nil {
			fatal("failed to enqueue shard", err)
		}
		return
	}

	var progress *service.ProgressService
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, progress is only logged", "error", err)
		} else {
			progress = service.NewProgressService(redisClient, cfg.Queue.Retention)
		}
	}

	detector, err := client.NewSidecarDetector(client.DetectorConfig{
		Command:        cfg.Detector.Command,
		Args:           cfg.Detector.Args,
		ModelConfig:    cfg.Detector.ModelConfig,
		ScoreThreshold: cfg.Detector.ScoreThreshold,
		RequestTimeout: cfg.Detector.RequestTimeout,
	}, logger)
	if err != nil {
		fatal("failed to create detector", err)
	}
	defer detector.Close()

	driver := pipeline.New(
		decoder.NewFFmpeg(cfg.Decoder.FFmpegPath, cfg.Decoder.FFprobePath, logger),
		detector,
		store,
		reporterFor(progress, logger),
		pipeline.Options{
			OutputDir:      cfg.Extract.OutputDir,
			Prefix:         cfg.Store.Prefix,
			PushAfterWrite: cfg.Extract.PushAfterWrite,
			RunID:          runID,
			Shard:          cfg.Extract.ChunkNum,
			ShardCount:     cfg.Extract.ChunkCount,
		},
		base,
	)

	sum := driver.Run(ctx, shard)
	for _, f := range sum.Failures {
		logger.Warn("needs manual follow-up", "identity", f.Identity, "code", model.ErrorCode(f.Err), "error", f.Err)
	}
}

func reporterFor(progress *service.ProgressService, logger *slog.Logger) pipeline.Reporter {
	if progress == nil {
		return nil
	}
	return service.NewReporter(progress, nil, logger)
}

func enqueueShard(ctx context.Context, cfg *config.Config, runID string, shard []model.Item, logger *slog.Logger) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not available: %w", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	queue := service.NewQueueService(asynqClient, inspector, service.NewProgressService(redisClient, cfg.Queue.Retention), cfg.Queue)
	run := &model.Run{
		ID:         runID,
		Shard:      cfg.Extract.ChunkNum,
		ShardCount: cfg.Extract.ChunkCount,
		StartedAt:  time.Now(),
	}

	res, err := queue.EnqueueShard(ctx, run, shard)
	logger.Info("shard enqueued",
		"queue", cfg.Queue.Name,
		"enqueued", res.Enqueued,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
	)
	return err
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
