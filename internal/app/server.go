// Package app assembles the guardian service: store, detector, alerting,
// admission engine, dashboard, and management API, with hot configuration
// reload. The admission and observation middleware it exposes are what a
// protected application mounts in front of its handlers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"guardian/internal/alerting"
	"guardian/internal/config"
	"guardian/internal/dashboard"
	"guardian/internal/detector"
	"guardian/internal/management"
	"guardian/internal/ratelimit"
	"guardian/internal/storage"
	"guardian/internal/telemetry"
)

// Server represents the guardian service
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	store     storage.CacheStore
	telemetry *telemetry.Telemetry
	alerts    *alerting.Service
	detector  *detector.Detector
	engine    *ratelimit.Engine
	dashboard *dashboard.Service
	api       *management.API
	watcher   *config.Watcher

	stopOnce sync.Once
}

// NewServer creates a new guardian server
func NewServer(cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	builder := NewBuilder(cfg, version, logger)
	return builder.Build()
}

// Start brings up the management API, the alert janitor, and the config
// watcher. It is non-blocking; the server runs until Stop.
func (s *Server) Start(ctx context.Context, configPath string) error {
	if err := s.api.Start(ctx); err != nil {
		return fmt.Errorf("starting management API: %w", err)
	}

	s.alerts.StartJanitor()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, &config.WatcherConfig{
			DebounceDuration: config.DefaultWatcherConfig().DebounceDuration,
			OnChange:         s.applyConfig,
			OnError: func(err error) {
				s.logger.Error("config reload failed, keeping previous config", "error", err)
			},
		}, s.logger)
		if err != nil {
			return fmt.Errorf("creating config watcher: %w", err)
		}
		watcher.Start()
		s.watcher = watcher
		s.api.SetReloader(func() error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return s.applyConfig(cfg)
		})
	}

	s.logger.Info("guardian started")
	return nil
}

// applyConfig hot-swaps the parts that support it. Store type and
// management bind address changes need a restart.
func (s *Server) applyConfig(cfg *config.Config) error {
	if err := s.engine.UpdateConfig(cfg.Guardian); err != nil {
		return err
	}
	s.detector.UpdateConfig(cfg.Guardian.Detector)
	s.config.Guardian = cfg.Guardian
	s.logger.Info("configuration applied")
	return nil
}

// Stop shuts everything down in dependency order.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stopping config watcher: %w", err))
			}
		}
		if err := s.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping management API: %w", err))
		}
		s.alerts.Stop()
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	s.logger.Info("guardian stopped")
	return nil
}

// Middleware returns the full protection chain for an application handler:
// admission (block flags, penalties, quotas) wrapped in anomaly
// observation.
func (s *Server) Middleware() func(http.Handler) http.Handler {
	tag := ratelimit.RequestID()
	admit := ratelimit.Middleware(s.engine, s.alerts, nil, s.logger)
	observe := ratelimit.Observe(s.detector)
	return func(next http.Handler) http.Handler {
		return tag(s.telemetry.Middleware(observe(admit(next))))
	}
}

// Engine exposes the admission engine for embedding applications.
func (s *Server) Engine() *ratelimit.Engine { return s.engine }

// Detector exposes the anomaly detector so the application's auth layer
// can report login attempts.
func (s *Server) Detector() *detector.Detector { return s.detector }

// Alerts exposes the alerting service and its remediation flags.
func (s *Server) Alerts() *alerting.Service { return s.alerts }
