package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"liveroom/internal/api"
	"liveroom/internal/auth"
	"liveroom/internal/ingest"
	"liveroom/internal/lifecycle"
	"liveroom/internal/liveness"
	"liveroom/internal/notify"
	"liveroom/internal/observability/logging"
	"liveroom/internal/observability/metrics"
	"liveroom/internal/redisconn"
	"liveroom/internal/server"
	"liveroom/internal/serverutil"
	"liveroom/internal/signaling"
	"liveroom/internal/storage"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// notifications is the bus the lifecycle publishes to and the source the
// /ws hub reads from.
type notifications interface {
	notify.Bus
	notify.Source
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails. ready, when set, receives the bound address.
func run(ctx context.Context, cfg settings, logger *slog.Logger, ready chan<- net.Addr) error {
	recorder := metrics.Default()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer closeStore(store, logger)

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled() {
		redisClient, err = redisconn.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}

	bus, closeBus, err := openNotifications(ctx, cfg, redisClient, logger, recorder)
	if err != nil {
		return fmt.Errorf("configure notifications: %w", err)
	}
	defer closeBus()

	svc, err := lifecycle.NewService(lifecycle.ServiceConfig{
		Store:            store,
		Bus:              bus,
		Logger:           logging.WithComponent(logger, "lifecycle"),
		Metrics:          recorder,
		GraceWindow:      cfg.GraceWindow,
		OperationTimeout: cfg.OperationTimeout,
		PromoteOnOffer:   cfg.PromoteOnOffer,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if restored, err := svc.RestoreTimers(ctx); err != nil {
		logger.Warn("failed to restore grace timers; the sweep will catch up", "error", err)
	} else if restored > 0 {
		logger.Info("restored grace timers", "count", restored)
	}

	var lease liveness.Lease
	if cfg.SweepLockRedis {
		redisLease, err := liveness.NewRedisLease(redisClient, "", cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("configure sweep lease: %w", err)
		}
		lease = redisLease
	}
	supervisor, err := liveness.New(liveness.Config{
		Lifecycle:        svc,
		GraceWindow:      svc.GraceWindow(),
		SilenceThreshold: cfg.SilenceThreshold,
		Interval:         cfg.SweepInterval,
		Lease:            lease,
		Logger:           logging.WithComponent(logger, "liveness"),
		Metrics:          recorder,
	})
	if err != nil {
		return fmt.Errorf("configure liveness supervisor: %w", err)
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("configure tokens: %w", err)
	}

	handler := api.NewHandler(svc, cfg.Ingest, logging.WithComponent(logger, "api"))
	handler.Checks = healthChecks(store, redisClient)
	hooks := ingest.NewHandler(
		ingest.NewGateway(svc, logging.WithComponent(logger, "ingest"), recorder),
		cfg.Ingest,
		logging.WithComponent(logger, "ingest"),
	)
	socketHub := notify.NewSocketHub(notify.SocketHubConfig{
		Source:         bus,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logging.WithComponent(logger, "notifications"),
		Metrics:        recorder,
	})
	signalingHub := signaling.NewHub(signaling.Config{
		Lifecycle:      svc,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logging.WithComponent(logger, "signaling"),
		Metrics:        recorder,
		CallTimeout:    cfg.OperationTimeout,
	})

	rateLimit := server.RateLimitConfig{
		GlobalRPS:    cfg.GlobalRPS,
		GlobalBurst:  cfg.GlobalBurst,
		CreateLimit:  cfg.CreateLimit,
		CreateWindow: cfg.CreateWindow,
	}
	if redisClient != nil && cfg.CreateLimit > 0 {
		rateLimit.Store = server.NewRedisWindowStore(redisClient, cfg.OperationTimeout)
	}
	httpServer, err := server.New(server.Routes{
		API:           handler,
		Ingest:        hooks,
		Notifications: socketHub,
		Signaling:     signalingHub,
	}, server.Config{
		Addr:       cfg.Addr,
		TLS:        cfg.TLSCert != "",
		RateLimit:  rateLimit,
		CORS:       server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		TrustProxy: cfg.TrustProxy,
		Verifier:   tokens,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return fmt.Errorf("configure http server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	stopSweeps := supervisor.Start(groupCtx)
	defer stopSweeps()
	logger.Info("liveness sweep started", "interval", supervisor.Interval(), "lease", cfg.SweepLockRedis)

	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          httpServer,
			TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
			ShutdownTimeout: cfg.ShutdownTimeout,
			Ready:           ready,
			BeforeShutdown:  []func(context.Context){socketHub.CloseAll, signalingHub.CloseAll},
			Logger:          logger,
		})
	})
	return group.Wait()
}

func openStore(cfg settings) (storage.RoomStore, error) {
	switch cfg.StorageDriver {
	case "json":
		return storage.NewJSONRepository(cfg.DataPath)
	case "postgres":
		pg := cfg.Postgres
		options := []storage.Option{storage.WithPostgresMigrations(pg.Migrate)}
		if pg.MaxConns > 0 || pg.MinConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(pg.MaxConns), int32(pg.MinConns)))
		}
		if pg.MaxConnLifetime > 0 || pg.MaxConnIdle > 0 || pg.HealthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(pg.MaxConnLifetime, pg.MaxConnIdle, pg.HealthInterval))
		}
		if pg.AcquireTimeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(pg.AcquireTimeout))
		}
		options = append(options, storage.WithPostgresApplicationName(pg.AppName))
		return storage.NewPostgresRepository(pg.DSN, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func closeStore(store storage.RoomStore, logger *slog.Logger) {
	closer, ok := store.(interface{ Close(context.Context) error })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closer.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}

func openNotifications(ctx context.Context, cfg settings, client redis.UniversalClient, logger *slog.Logger, recorder *metrics.Recorder) (notifications, func(), error) {
	switch cfg.NotifyDriver {
	case "redis":
		if client == nil {
			return nil, nil, errors.New("redis notify driver requires a redis client")
		}
		bus, err := notify.NewRedisBus(ctx, notify.RedisBusConfig{
			Client:         client,
			InstanceID:     cfg.InstanceID,
			PublishTimeout: cfg.OperationTimeout,
			Logger:         logging.WithComponent(logger, "notify"),
			Metrics:        recorder,
		})
		if err != nil {
			return nil, nil, err
		}
		return bus, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bus.Close(closeCtx); err != nil {
				logger.Warn("failed to close notification bus", "error", err)
			}
		}, nil
	default:
		return notify.NewBroker(0, recorder), func() {}, nil
	}
}

func healthChecks(store storage.RoomStore, client redis.UniversalClient) []api.HealthCheck {
	checks := []api.HealthCheck{{Component: "datastore", Ping: store.Ping}}
	if client != nil {
		checks = append(checks, api.HealthCheck{Component: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}
	return checks
}
