package storage

import (
	"strings"
	"time"
)

// Option configures either backend. Each option touches only the settings
// the target backend understands; the rest are ignored.
type Option func(*optionTarget)

// optionTarget carries exactly one non-nil backend while options run.
type optionTarget struct {
	json *Storage
	pg   *PostgresConfig
}

func applyJSONOptions(store *Storage, opts []Option) {
	apply(optionTarget{json: store}, opts)
}

func applyPostgresOptions(cfg *PostgresConfig, opts []Option) {
	apply(optionTarget{pg: cfg}, opts)
}

func apply(target optionTarget, opts []Option) {
	for _, opt := range opts {
		if opt != nil {
			opt(&target)
		}
	}
}

func forPostgres(edit func(*PostgresConfig)) Option {
	return func(t *optionTarget) {
		if t.pg != nil {
			edit(t.pg)
		}
	}
}

// WithClock overrides the time source used for created and updated stamps
// in both backends.
func WithClock(now func() time.Time) Option {
	return func(t *optionTarget) {
		if now == nil {
			return
		}
		if t.json != nil {
			t.json.now = now
		}
		if t.pg != nil {
			t.pg.Clock = now
		}
	}
}

// WithPersistHook runs hook before each JSON snapshot write. An error aborts
// the write and rolls back the mutation.
func WithPersistHook(hook func() error) Option {
	return func(t *optionTarget) {
		if t.json != nil {
			t.json.persistOverride = hook
		}
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return forPostgres(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds connection acquisition. Statements run on
// that connection share the deadline.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return forPostgres(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return forPostgres(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	name = strings.TrimSpace(name)
	return forPostgres(func(cfg *PostgresConfig) {
		if name != "" {
			cfg.ApplicationName = name
		}
	})
}

// WithPostgresMigrations applies the embedded schema when the repository
// opens.
func WithPostgresMigrations(enabled bool) Option {
	return forPostgres(func(cfg *PostgresConfig) {
		cfg.ApplyMigrations = enabled
	})
}
