package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"liveroom/internal/api"
	"liveroom/internal/auth"
	"liveroom/internal/ingest"
	"liveroom/internal/observability/logging"
	"liveroom/internal/observability/metrics"
)

// Routes are the handlers mounted on the server. Notifications and
// Signaling are optional.
type Routes struct {
	API           *api.Handler
	Ingest        *ingest.Handler
	Notifications http.Handler
	Signaling     http.Handler
}

type Config struct {
	Addr      string
	TLS       bool
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	Verifier   auth.Verifier
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// New builds the http.Server. It is started by serverutil.Run.
func New(routes Routes, cfg Config) (*http.Server, error) {
	if routes.API == nil {
		return nil, errors.New("api handler is required")
	}
	if routes.Ingest == nil {
		return nil, errors.New("ingest handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	routes.API.Register(mux)
	routes.Ingest.Register(mux)
	mux.Handle("GET /metrics", recorder.Handler())
	if routes.Notifications != nil {
		mux.Handle("GET /ws", routes.Notifications)
	}
	if routes.Signaling != nil {
		mux.Handle("GET /rtc", routes.Signaling)
	}

	rl := newRateLimiter(cfg.RateLimit)
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Verifier, logger, handler)
	handler = rateLimitMiddleware(rl, logger, cfg.TrustProxy, handler)
	handler = corsMiddleware(policy, logger, handler)
	handler = securityHeadersMiddleware(cfg.Security, handler)
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		QuietPaths:        []string{"/healthz", "/metrics"},
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", clientIP(r, cfg.TrustProxy)}
		},
	})(handler)
	handler = requestIDMiddleware(logger, handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// bypassesEdgeChecks reports whether a path skips rate limiting and token
// authentication. SRS hooks carry their own shared secret.
func bypassesEdgeChecks(path string) bool {
	switch {
	case path == "/healthz", path == "/metrics":
		return true
	case strings.HasPrefix(path, "/api/stream/on_"), path == "/api/stream/hooks":
		return true
	default:
		return false
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, trustProxy bool, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassesEdgeChecks(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/rooms" {
			allowed, retryAfter, err := rl.AllowCreate(r.Context(), clientIP(r, trustProxy))
			if err != nil {
				loggingWithRequest(logger, trustProxy, r).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate_limiter_unavailable", "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					seconds := int(retryAfter.Round(time.Second) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "too many rooms created")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func authMiddleware(verifier auth.Verifier, logger *slog.Logger, next http.Handler) http.Handler {
	withIdentity := auth.Middleware(verifier, logger, func(w http.ResponseWriter, err error) {
		writeMiddlewareError(w, http.StatusUnauthorized, "invalid_token", fmt.Sprintf("invalid token: %v", err))
	})(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassesEdgeChecks(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		withIdentity.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
