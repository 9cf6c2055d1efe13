// Package logging builds the service's slog loggers and carries request
// scoped fields (request id, room id, logger) through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"liveroom/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New returns a JSON logger on stdout unless cfg says otherwise.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// parseLevel accepts slog level names plus "warning". Unknown values fall
// back to info.
func parseLevel(level string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// MaskStreamKey shortens a stream key for logs. Stream keys authorise
// publishing, so only a prefix is ever written out.
func MaskStreamKey(key string) string {
	const visible = 4
	if len(key) <= visible {
		return strings.Repeat("*", len(key))
	}
	return key[:visible] + "****"
}

type scopeKey struct{}

// scope is copied on every change so contexts never share mutable state.
type scope struct {
	requestID string
	roomID    string
	logger    *slog.Logger
}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).requestID
	return id, id != ""
}

// ContextWithRoomID tags the context with the room a request or callback
// operates on. Empty ids are ignored.
func ContextWithRoomID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.roomID = id })
}

func RoomIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).roomID
	return id, id != ""
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	return scopeFrom(ctx).logger
}

// WithContext returns a logger annotated with the request and room ids held
// in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	s := scopeFrom(ctx)
	var attrs []any
	if s.requestID != "" {
		attrs = append(attrs, "request_id", s.requestID)
	}
	if s.roomID != "" {
		attrs = append(attrs, "room_id", s.roomID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures the HTTP request logging middleware.
// Successful requests to QuietPaths are logged at debug level.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	QuietPaths        []string
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one line per request. WebSocket upgrades are logged
// when the socket closes, so their duration is the session length.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	quiet := make(map[string]bool, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			status := recorder.Status()

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, duration)...)
			}

			logger := WithContext(r.Context(), base)
			switch {
			case status >= http.StatusInternalServerError:
				logger.Warn("request failed", attrs...)
			case quiet[r.URL.Path]:
				logger.Debug("request completed", attrs...)
			default:
				logger.Info("request completed", attrs...)
			}
		})
	}
}
