// Command server runs the liveroom API, the SRS hook endpoints, the
// notification and signaling sockets, and the liveness sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"liveroom/internal/observability/logging"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.New(logging.Config{}).Warn("failed to load .env", "error", err)
	}

	cfg, err := loadSettings(flag.CommandLine, os.Args[1:])
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
