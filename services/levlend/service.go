// Package levlend runs a leverage deployment behind its HTTP API.
package levlend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"levlend/config"
	"levlend/gateway/middleware"
	"levlend/observability/logging"
	telemetry "levlend/observability/otel"
	"levlend/services/levlend/deploy"
	"levlend/services/levlend/journal"
	"levlend/services/levlend/server"
	"levlend/storage"
)

const shutdownTimeout = 5 * time.Second

// Service owns a deployment, its journal and the API serving them.
type Service struct {
	Deployment *deploy.Deployment
	Journal    *journal.Journal

	cfg           *config.Config
	logger        *slog.Logger
	db            storage.Database
	server        *server.Server
	closers       []func() error
	stopTelemetry telemetry.Shutdown
}

// Open builds everything cfg describes. Close releases it.
func Open(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("levlend: config required")
	}
	logger, closeLog := logging.Setup(cfg.Service, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	s := &Service{cfg: cfg, logger: logger, closers: []func() error{closeLog}}
	if err := s.open(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) open(ctx context.Context) error {
	cfg := s.cfg
	headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	for k, v := range cfg.Telemetry.Headers {
		headers[k] = v
	}
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Service,
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("levlend: init telemetry: %w", err)
	}
	s.stopTelemetry = shutdown

	rt, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("levlend: resolve config: %w", err)
	}
	if cfg.DataDir != "" {
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "registry"))
		if err != nil {
			return fmt.Errorf("levlend: open registry: %w", err)
		}
		s.db = db
	} else {
		s.db = storage.NewMemDB()
	}
	db := s.db
	s.closers = append(s.closers, func() error { db.Close(); return nil })

	s.Deployment, err = deploy.Build(ctx, rt, s.db, s.logger)
	if err != nil {
		return err
	}

	dsn := journal.MemoryDSN()
	switch {
	case cfg.Server.JournalPath != "":
		dsn = journal.FileDSN(cfg.Server.JournalPath)
	case cfg.DataDir != "":
		dsn = journal.FileDSN(filepath.Join(cfg.DataDir, "journal.db"))
	}
	s.Journal, err = journal.Open(dsn)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, s.Journal.Close)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Server.Auth.Enabled,
		HMACSecret: cfg.Server.Auth.AuthSecret(),
		Issuer:     cfg.Server.Auth.Issuer,
		Audience:   cfg.Server.Auth.Audience,
	}, s.logger)
	s.server, err = server.New(server.Config{
		ServiceName: cfg.Service,
		Deployment:  s.Deployment,
		Journal:     s.Journal,
		Auth:        auth,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		Logger:         s.logger,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		LogRequests:    true,
	})
	return err
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler { return s.server.Handler() }

// Serve answers requests on ln until ctx is done, then drains in-flight
// requests.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("levlend listening", "addr", ln.Addr().String())
		serverErr <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close flushes telemetry and closes the journal, the registry and the log
// file.
func (s *Service) Close() error {
	var errs []error
	if s.stopTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, s.stopTelemetry(ctx))
		cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// Run opens cfg, listens on cfg.Server.Listen and serves until ctx is done.
func Run(ctx context.Context, cfg *config.Config) error {
	svc, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("levlend: listen on %s: %w", cfg.Server.Listen, err)
	}
	return svc.Serve(ctx, ln)
}
