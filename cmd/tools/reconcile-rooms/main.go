// Command reconcile-rooms runs a single liveness sweep against a datastore
// and exits. It is meant for cron jobs and for recovering rooms after an
// outage while no server is running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"liveroom/internal/lifecycle"
	"liveroom/internal/liveness"
	"liveroom/internal/notify"
	"liveroom/internal/observability/logging"
	"liveroom/internal/redisconn"
	"liveroom/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		redisAddr   string
		grace       time.Duration
		silence     time.Duration
		timeout     time.Duration
		logLevel    string
	)

	flag.StringVar(&jsonPath, "json", "", "path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&redisAddr, "redis-addr", "", "publish room events to this Redis so running servers relay them")
	flag.DurationVar(&grace, "grace-window", lifecycle.DefaultGraceWindow, "age after which unstarted rooms are removed")
	flag.DurationVar(&silence, "silence-threshold", liveness.DefaultSilenceThreshold, "silence after which live rooms are ended")
	flag.DurationVar(&timeout, "timeout", time.Minute, "overall bound for the sweep")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(logging.Config{Level: logLevel, Format: "text"})

	if jsonPath == "" && postgresDSN == "" {
		postgresDSN = strings.TrimSpace(os.Getenv("LIVEROOM_POSTGRES_DSN"))
	}
	if jsonPath == "" && postgresDSN == "" {
		fatal(logger, "either --json or --postgres-dsn must be provided", nil)
	}
	if jsonPath != "" && postgresDSN != "" {
		fatal(logger, "only one datastore option may be provided", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := reconcile(ctx, jsonPath, postgresDSN, redisAddr, grace, silence, logger)
	if err != nil {
		fatal(logger, "sweep failed", err)
	}
	logger.Info("sweep finished", "deleted", result.Deleted, "ended", result.Ended, "failed", result.Failed)
	if result.Failed > 0 {
		os.Exit(2)
	}
}

func reconcile(ctx context.Context, jsonPath, postgresDSN, redisAddr string, grace, silence time.Duration, logger *slog.Logger) (liveness.Result, error) {
	store, err := openStore(jsonPath, postgresDSN)
	if err != nil {
		return liveness.Result{}, fmt.Errorf("open datastore: %w", err)
	}
	defer func() {
		if closer, ok := store.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	}()

	bus := notify.Discard
	if redisAddr != "" {
		client, err := redisconn.New(ctx, redisconn.Config{Addr: redisAddr})
		if err != nil {
			return liveness.Result{}, fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		redisBus, err := notify.NewRedisBus(ctx, notify.RedisBusConfig{Client: client, Logger: logger})
		if err != nil {
			return liveness.Result{}, fmt.Errorf("configure notifications: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = redisBus.Close(closeCtx)
		}()
		bus = redisBus
	}

	svc, err := lifecycle.NewService(lifecycle.ServiceConfig{
		Store:       store,
		Bus:         bus,
		Logger:      logging.WithComponent(logger, "lifecycle"),
		GraceWindow: grace,
	})
	if err != nil {
		return liveness.Result{}, err
	}
	defer svc.Close()

	supervisor, err := liveness.New(liveness.Config{
		Lifecycle:        svc,
		GraceWindow:      grace,
		SilenceThreshold: silence,
		Logger:           logging.WithComponent(logger, "liveness"),
	})
	if err != nil {
		return liveness.Result{}, err
	}
	return supervisor.Sweep(ctx)
}

func openStore(jsonPath, postgresDSN string) (storage.RoomStore, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func fatal(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
