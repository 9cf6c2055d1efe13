package storage

import "time"

const defaultPostgresAcquireTimeout = 5 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	ApplyMigrations     bool
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:            dsn,
		MinConnections: -1,
		AcquireTimeout: defaultPostgresAcquireTimeout,
		Clock:          func() time.Time { return time.Now().UTC() },
	}
	applyPostgresOptions(&cfg, opts)
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}
