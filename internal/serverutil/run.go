// Package serverutil runs an http.Server for the lifetime of a context.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key files for a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (t TLSConfig) enabled() bool { return t.CertFile != "" }

// Config controls the HTTP server runtime behaviour. Listener, when set, is
// used instead of binding Server.Addr. BeforeShutdown hooks run before the
// server stops accepting requests; hijacked WebSocket connections are not
// tracked by http.Server, so socket hubs close their clients there.
type Config struct {
	Server          *http.Server
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Ready           chan<- net.Addr
	BeforeShutdown  []func(context.Context)
	Logger          *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails, then shuts down
// within ShutdownTimeout. Ready receives the bound address once and is
// closed; it is never written when startup fails.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
		close(cfg.Ready)
	}

	served := make(chan error, 1)
	go func() { served <- cfg.Server.Serve(ln) }()

	select {
	case err := <-served:
		return ignoreClosed(err)
	case <-ctx.Done():
	}
	return shutdown(cfg, logger, served)
}

func listen(cfg Config) (net.Listener, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cfg.Server.Addr); err != nil {
			return nil, fmt.Errorf("listen on %q: %w", cfg.Server.Addr, err)
		}
	}
	if !cfg.TLS.enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

// shutdown runs the hooks, then drains in-flight requests. A drain that
// overruns the timeout force-closes the remaining connections.
func shutdown(cfg Config, logger *slog.Logger, served <-chan error) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("http server shutting down", "timeout", timeout)
	for _, hook := range cfg.BeforeShutdown {
		hook(ctx)
	}
	if err := cfg.Server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown incomplete, closing connections", "error", err)
		_ = cfg.Server.Close()
		return err
	}
	return ignoreClosed(<-served)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
