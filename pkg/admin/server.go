package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-governor/pkg/config"
)

// ServerConfig configures the admin listener.
type ServerConfig struct {
	Address         string
	TLS             *config.TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server runs the admin handler behind OpenTelemetry HTTP instrumentation.
type Server struct {
	cfg    ServerConfig
	server *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer wraps handler. Health and metrics scrapes are not traced.
func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	traced := otelhttp.NewHandler(handler, "polis.governor.admin",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:           traced,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: POST /v1/admit blocks while the caller is queued.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Listen binds the configured address and returns the resolved address.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind admin listener %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	// Log the actual resolved address (useful when addr is :0)
	s.logger.Info("Admin server listening", "addr", listener.Addr().String(), "tls", s.tlsEnabled())
	return listener.Addr(), nil
}

// Serve handles requests until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serve()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down admin server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	if err := <-errCh; err != nil {
		return err
	}
	return nil
}

func (s *Server) serve() error {
	var err error
	if s.tlsEnabled() {
		tlsCfg, tlsErr := s.cfg.TLS.ServerTLS()
		if tlsErr != nil {
			return tlsErr
		}
		s.server.TLSConfig = tlsCfg
		err = s.server.ServeTLS(s.listener, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.server.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) tlsEnabled() bool {
	return s.cfg.TLS != nil && s.cfg.TLS.Enabled
}
