package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"liveroom/internal/ingest"
	"liveroom/internal/lifecycle"
	"liveroom/internal/liveness"
	"liveroom/internal/redisconn"
)

// settings is the resolved server configuration. Flags win over LIVEROOM_*
// environment variables, which win over defaults.
type settings struct {
	Addr            string
	TLSCert         string
	TLSKey          string
	LogLevel        string
	LogFormat       string
	InstanceID      string
	ShutdownTimeout time.Duration

	StorageDriver string
	DataPath      string
	Postgres      postgresSettings

	GraceWindow      time.Duration
	SilenceThreshold time.Duration
	SweepInterval    time.Duration
	OperationTimeout time.Duration
	PromoteOnOffer   bool

	NotifyDriver   string
	Redis          redisconn.Config
	SweepLockRedis bool

	JWTSecret      string
	AllowedOrigins []string
	TrustProxy     bool
	GlobalRPS      float64
	GlobalBurst    int
	CreateLimit    int
	CreateWindow   time.Duration

	Ingest ingest.Config
}

type postgresSettings struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
	Migrate         bool
}

// loadSettings parses args with fs and fills the gaps from the environment.
func loadSettings(fs *flag.FlagSet, args []string) (settings, error) {
	addr := fs.String("addr", "", "HTTP listen address")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	instanceID := fs.String("instance-id", "", "replica identifier used for the notification group and sweep lease")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown bound")

	storageDriver := fs.String("storage-driver", "", "datastore driver (json or postgres)")
	dataPath := fs.String("data", "", "path to JSON datastore")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	postgresMigrate := fs.Bool("postgres-migrate", false, "apply schema migrations on startup")

	graceWindow := fs.Duration("grace-window", 0, "how long a live room may wait for media before it is deleted")
	silenceThreshold := fs.Duration("silence-threshold", 0, "how long a live room may go without media before the sweep ends it")
	sweepInterval := fs.Duration("sweep-interval", 0, "interval between liveness sweeps")
	operationTimeout := fs.Duration("operation-timeout", 0, "timeout for each store and bus call")
	promoteOnOffer := fs.Bool("signaling-promote-on-offer", true, "promote a pending room to live when its broadcaster sends an offer")

	notifyDriver := fs.String("notify-driver", "", "notification transport (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "Redis address")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses (cluster or sentinel)")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisMasterName := fs.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	sweepLockRedis := fs.Bool("sweep-lock-redis", false, "hold a Redis lease so one replica sweeps per interval")

	jwtSecret := fs.String("jwt-secret", "", "HS256 secret for owner tokens")
	allowedOrigins := fs.String("allowed-origins", "", "comma separated browser origins allowed for CORS and sockets")
	trustProxy := fs.Bool("trust-proxy", false, "take client addresses from X-Forwarded-For")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	createLimit := fs.Int("rate-create-limit", 0, "room creations allowed per client IP per window")
	createWindow := fs.Duration("rate-create-window", 0, "window for counting room creations")

	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	ingestCfg, err := ingest.LoadConfigFromEnv()
	if err != nil {
		return settings{}, fmt.Errorf("load ingest configuration: %w", err)
	}

	s := settings{
		Addr:            firstNonEmpty(*addr, os.Getenv("LIVEROOM_ADDR"), ":8080"),
		TLSCert:         firstNonEmpty(*tlsCert, os.Getenv("LIVEROOM_TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, os.Getenv("LIVEROOM_TLS_KEY")),
		LogLevel:        firstNonEmpty(*logLevel, os.Getenv("LIVEROOM_LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, os.Getenv("LIVEROOM_LOG_FORMAT"), "json"),
		InstanceID:      firstNonEmpty(*instanceID, os.Getenv("LIVEROOM_INSTANCE_ID"), hostname()),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "LIVEROOM_SHUTDOWN_TIMEOUT", 10*time.Second),

		StorageDriver: strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("LIVEROOM_STORAGE_DRIVER"))),
		DataPath:      firstNonEmpty(*dataPath, os.Getenv("LIVEROOM_DATA"), "data/rooms.json"),
		Postgres: postgresSettings{
			DSN:             firstNonEmpty(*postgresDSN, os.Getenv("LIVEROOM_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			MaxConns:        resolveInt(*postgresMaxConns, "LIVEROOM_POSTGRES_MAX_CONNS"),
			MinConns:        resolveInt(*postgresMinConns, "LIVEROOM_POSTGRES_MIN_CONNS"),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "LIVEROOM_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "LIVEROOM_POSTGRES_MAX_CONN_IDLE", 0),
			HealthInterval:  resolveDuration(*postgresHealthInterval, "LIVEROOM_POSTGRES_HEALTH_INTERVAL", 0),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "LIVEROOM_POSTGRES_ACQUIRE_TIMEOUT", 0),
			AppName:         firstNonEmpty(*postgresAppName, os.Getenv("LIVEROOM_POSTGRES_APP_NAME"), "liveroom"),
			Migrate:         resolveBool(*postgresMigrate, "LIVEROOM_POSTGRES_MIGRATE"),
		},

		GraceWindow:      resolveDuration(*graceWindow, "LIVEROOM_GRACE_WINDOW", lifecycle.DefaultGraceWindow),
		SilenceThreshold: resolveDuration(*silenceThreshold, "LIVEROOM_SILENCE_THRESHOLD", liveness.DefaultSilenceThreshold),
		SweepInterval:    resolveDuration(*sweepInterval, "LIVEROOM_SWEEP_INTERVAL", liveness.DefaultInterval),
		OperationTimeout: resolveDuration(*operationTimeout, "LIVEROOM_OPERATION_TIMEOUT", lifecycle.DefaultOperationTimeout),
		PromoteOnOffer:   resolveBoolDefault(*promoteOnOffer, explicit["signaling-promote-on-offer"], "LIVEROOM_SIGNALING_PROMOTE_ON_OFFER"),

		NotifyDriver: strings.ToLower(firstNonEmpty(*notifyDriver, os.Getenv("LIVEROOM_NOTIFY_DRIVER"), "memory")),
		Redis: redisconn.Config{
			Addr:       firstNonEmpty(*redisAddr, os.Getenv("LIVEROOM_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("LIVEROOM_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, os.Getenv("LIVEROOM_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("LIVEROOM_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("LIVEROOM_REDIS_MASTER_NAME")),
			PoolSize:   resolveInt(*redisPoolSize, "LIVEROOM_REDIS_POOL_SIZE"),
			TLS: redisconn.TLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("LIVEROOM_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("LIVEROOM_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("LIVEROOM_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("LIVEROOM_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "LIVEROOM_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		SweepLockRedis: resolveBool(*sweepLockRedis, "LIVEROOM_SWEEP_LOCK_REDIS"),

		JWTSecret:      firstNonEmpty(*jwtSecret, os.Getenv("LIVEROOM_JWT_SECRET")),
		AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("LIVEROOM_ALLOWED_ORIGINS"))),
		TrustProxy:     resolveBool(*trustProxy, "LIVEROOM_TRUST_PROXY"),
		GlobalRPS:      resolveFloat(*globalRPS, "LIVEROOM_RATE_GLOBAL_RPS"),
		GlobalBurst:    resolveInt(*globalBurst, "LIVEROOM_RATE_GLOBAL_BURST"),
		CreateLimit:    resolveInt(*createLimit, "LIVEROOM_RATE_CREATE_LIMIT"),
		CreateWindow:   resolveDuration(*createWindow, "LIVEROOM_RATE_CREATE_WINDOW", time.Minute),

		Ingest: ingestCfg,
	}
	if s.StorageDriver == "" {
		s.StorageDriver = resolveStorageDriver(s.Postgres.DSN)
	}
	return s, s.validate()
}

func (s settings) validate() error {
	var problems []string
	switch s.StorageDriver {
	case "json":
	case "postgres":
		if s.Postgres.DSN == "" {
			problems = append(problems, "postgres storage selected without DSN")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported storage driver %q", s.StorageDriver))
	}
	switch s.NotifyDriver {
	case "memory":
	case "redis":
		if !s.Redis.Enabled() {
			problems = append(problems, "redis notify driver requires --redis-addr or --redis-addrs")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported notify driver %q", s.NotifyDriver))
	}
	if s.SweepLockRedis && !s.Redis.Enabled() {
		problems = append(problems, "sweep lock requires a Redis address")
	}
	if strings.TrimSpace(s.JWTSecret) == "" {
		problems = append(problems, "jwt secret is required (--jwt-secret or LIVEROOM_JWT_SECRET)")
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		problems = append(problems, "both TLS cert and key must be provided")
	}
	if s.SilenceThreshold <= 0 || s.GraceWindow <= 0 || s.SweepInterval <= 0 {
		problems = append(problems, "grace window, silence threshold and sweep interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// resolveStorageDriver picks postgres when a DSN is configured.
func resolveStorageDriver(postgresDSN string) string {
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

// resolveBoolDefault is resolveBool for flags that default to true: the
// environment only applies when the flag was not given.
func resolveBoolDefault(flagValue, explicit bool, envKey string) bool {
	if explicit {
		return flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return flagValue
}
