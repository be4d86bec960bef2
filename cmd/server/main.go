package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/videopose/posekeys/internal/client"
	"github.com/videopose/posekeys/internal/config"
	"github.com/videopose/posekeys/internal/decoder"
	"github.com/videopose/posekeys/internal/handler"
	"github.com/videopose/posekeys/internal/logging"
	"github.com/videopose/posekeys/internal/middleware"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/internal/pipeline"
	"github.com/videopose/posekeys/internal/service"
	ws "github.com/videopose/posekeys/internal/websocket"
	"github.com/videopose/posekeys/internal/worker"
	"github.com/videopose/posekeys/pkg/response"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	flags.String("config", "", "path to a config file")
	flags.String("port", "", "HTTP port (default from config)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("output-dir", "/tmp/infer_simple", "directory for keypoint archives")
	flags.Bool("push", false, "upload each archive to the store after writing it")
	noWorker := flags.Bool("no-worker", false, "serve status only, do not pull extract tasks")
	_ = flags.Parse(os.Args[1:])

	logging.Setup("info")

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Server.LogLevel)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	// Object store is optional for the server too
	store, err := client.OpenStorageClient(&cfg.Store)
	if err != nil {
		log.Warn("store client not initialized", "error", err)
		store = nil
	}

	validate := validator.New()

	// Initialize WebSocket hub, fed from every worker through redis
	hub := ws.NewHub(log)
	go hub.Run()

	progress := service.NewProgressService(redisClient, cfg.Queue.Retention)
	go func() {
		if err := progress.Subscribe(ctx, hub.BroadcastItem, hub.BroadcastRun, log); err != nil {
			log.Warn("live progress disabled", "error", err)
		}
	}()

	statusHandler := handler.NewStatusHandler(progress, validate)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		UnescapePath: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		redisOK := redisClient.Ping(c.Context()).Err() == nil
		status := "ok"
		if !redisOK {
			status = "degraded"
		}
		return c.JSON(fiber.Map{
			"status": status,
			"services": fiber.Map{
				"redis":    redisOK,
				"store":    store != nil,
				"detector": cfg.Detector.Command != "",
				"worker":   !*noWorker,
			},
		})
	})

	rateLimiter := middleware.NewRateLimiter(redisClient)
	api := app.Group("/api", rateLimiter.StatusLimit(cfg.Server.StatusRatePerMin))
	runs := api.Group("/runs")
	runs.Get("/:runId", statusHandler.Run)
	runs.Get("/:runId/items", statusHandler.Items)
	runs.Get("/:runId/items/:identity", statusHandler.Item)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/runs/:runId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("runId"))
	}))

	stopWorker := func() {}
	if !*noWorker {
		stopWorker, err = startWorkerServer(cfg, store, progress, log)
		if err != nil {
			log.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		stopWorker()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// startWorkerServer pulls extract tasks one at a time; the detector is not
// reentrant.
func startWorkerServer(cfg *config.Config, store client.StorageClient, progress *service.ProgressService, log *slog.Logger) (func(), error) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				cfg.Queue.Name: 1,
			},
			LogLevel: asynqLogLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				id, _ := asynq.GetTaskID(ctx)
				log.Warn("extract task failed", "task_id", id, "code", model.ErrorCode(err), "error", err)
			}),
		},
	)

	detector, err := client.NewSidecarDetector(client.DetectorConfig{
		Command:        cfg.Detector.Command,
		Args:           cfg.Detector.Args,
		ModelConfig:    cfg.Detector.ModelConfig,
		ScoreThreshold: cfg.Detector.ScoreThreshold,
		RequestTimeout: cfg.Detector.RequestTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	driver := pipeline.New(
		decoder.NewFFmpeg(cfg.Decoder.FFmpegPath, cfg.Decoder.FFprobePath, log),
		detector,
		store,
		service.NewReporter(progress, nil, log),
		pipeline.Options{
			OutputDir:      cfg.Extract.OutputDir,
			Prefix:         cfg.Store.Prefix,
			PushAfterWrite: cfg.Extract.PushAfterWrite,
		},
		log,
	)
	extractWorker := worker.NewExtractWorker(driver, log)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeExtract, extractWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		detector.Close()
		return nil, err
	}
	return func() {
		// Drain the in-flight task before stopping the sidecar
		srv.Shutdown()
		detector.Close()
	}, nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	var e *fiber.Error
	if !errors.As(err, &e) {
		return response.ServiceError(c, "Internal Server Error")
	}
	if e.Code == fiber.StatusNotFound {
		return response.NotFound(c, e.Message)
	}
	return response.Error(c, e.Code, response.CodeServiceError, e.Message, nil)
}
