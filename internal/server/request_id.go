package server

import (
	"log/slog"
	"net/http"
	"strings"

	"liveroom/internal/observability/logging"

	"github.com/google/uuid"
)

const maxRequestIDLength = 128

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return withRequestID(logger, uuid.NewString, next)
}

// withRequestID echoes a usable X-Request-Id or mints one with newID, then
// stores both the id and a logger carrying it in the request context.
func withRequestID(logger *slog.Logger, newID func() string, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if !validRequestID(id) {
			id = newID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short printable ASCII ids so client values cannot
// inject control characters into logs or response headers.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// loggingWithRequest returns the request logger annotated with the path and
// client address.
func loggingWithRequest(base *slog.Logger, trustProxy bool, r *http.Request) *slog.Logger {
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("path", r.URL.Path, "remote_ip", clientIP(r, trustProxy))
}
