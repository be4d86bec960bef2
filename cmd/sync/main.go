package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/videopose/posekeys/internal/client"
	"github.com/videopose/posekeys/internal/config"
	"github.com/videopose/posekeys/internal/logging"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/internal/syncer"
)

func main() {
	flags := pflag.NewFlagSet("sync", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sync push|pull [flags] <local-dir>\n\n")
		flags.PrintDefaults()
	}
	flags.String("config", "", "path to a config file")
	flags.String("prefix", "", "remote prefix (default from config)")
	flags.String("log-level", "", "debug, info, warn or error")
	suffix := flags.String("suffix", "", "only transfer names ending in this suffix, e.g. .npz")
	inputs := flags.Bool("inputs", false, "transfer source videos under the input prefix instead of archives")
	_ = flags.Parse(os.Args[1:])

	logging.Setup("info")

	if flags.NArg() != 2 {
		flags.Usage()
		os.Exit(2)
	}
	direction := model.Direction(flags.Arg(0))
	localDir := flags.Arg(1)
	if direction != model.DirectionPush && direction != model.DirectionPull {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fatal("failed to load config", err)
	}
	logger := logging.Setup(cfg.Server.LogLevel)

	store, err := client.OpenStorageClient(&cfg.Store)
	if err != nil {
		fatal("failed to open store", err)
	}
	if store == nil {
		fatal("failed to open store", model.ErrStoreNotConfigured)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefix := remotePrefix(cfg.Store, *inputs, flags.Changed("prefix"))
	s := syncer.New(store, *suffix, logger)

	var res syncer.Result
	switch direction {
	case model.DirectionPush:
		res, err = s.Push(ctx, localDir, prefix)
	case model.DirectionPull:
		res, err = s.Pull(ctx, prefix, localDir)
	}
	if err != nil {
		fatal("sync failed", err)
	}

	logger.Info("sync finished",
		"direction", res.Direction,
		"transferred", res.Transferred,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"bytes", res.Bytes,
	)
	if res.Failed > 0 {
		logger.Warn("some transfers failed, run again to retry them", "error", res.Err())
	}
}

// remotePrefix picks the archive prefix, or the input prefix with --inputs.
// An explicit --prefix always wins.
func remotePrefix(cfg config.StoreConfig, inputs, prefixSet bool) string {
	if inputs && !prefixSet {
		return cfg.InputPrefix
	}
	return cfg.Prefix
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
