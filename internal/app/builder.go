package app

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"guardian/internal/alerting"
	"guardian/internal/config"
	"guardian/internal/dashboard"
	"guardian/internal/detector"
	"guardian/internal/management"
	"guardian/internal/ratelimit"
	"guardian/internal/storage"
	"guardian/internal/storage/memory"
	redisstore "guardian/internal/storage/redis"
	"guardian/internal/telemetry"
	"guardian/pkg/metrics"
)

// Builder builds the guardian application
type Builder struct {
	config *config.Config
	logger *slog.Logger

	// version is stamped by the build; "dev" otherwise.
	version string
}

// NewBuilder creates a new application builder
func NewBuilder(cfg *config.Config, version string, logger *slog.Logger) *Builder {
	return &Builder{
		config:  cfg,
		logger:  logger,
		version: version,
	}
}

// Build constructs the guardian server
func (b *Builder) Build() (*Server, error) {
	g := &b.config.Guardian

	tel, err := telemetry.New(g.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}

	store, err := b.createStore()
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	// A per-server registry keeps rebuilds (config reload, tests) from
	// colliding on metric registration.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWithRegistry(registry)

	alerts := alerting.NewService(store, g.Alerting, m, b.logger)
	det := detector.New(store, g.Detector, alerts, m, b.logger)

	engine, err := ratelimit.NewEngine(store, *g, alerts, m, b.logger)
	if err != nil {
		return nil, fmt.Errorf("creating rate-limit engine: %w", err)
	}

	dash := dashboard.New(alerts, engine.Limiters)

	api := management.NewAPI(&g.Management, b.version, b.logger)
	api.SetDashboard(dash)
	api.SetAlerts(alerts)
	api.SetRateLimiter(engine)
	api.SetMetrics(registry)

	return &Server{
		config:    b.config,
		logger:    b.logger,
		store:     store,
		telemetry: tel,
		alerts:    alerts,
		detector:  det,
		engine:    engine,
		dashboard: dash,
		api:       api,
	}, nil
}

// createStore picks the cache backend. Redis gets the atomic Lua-backed
// store; anything it cannot serve falls back to the in-process store.
func (b *Builder) createStore() (storage.CacheStore, error) {
	g := &b.config.Guardian

	switch g.Store.Type {
	case "", "memory":
		b.logger.Info("using in-memory store")
		return memory.NewStore(storage.DefaultConfig()), nil

	case "redis":
		if g.Store.Redis == nil {
			return nil, fmt.Errorf("redis store selected but no redis config given")
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     g.Store.Redis.Addr,
			Password: g.Store.Redis.Password,
			DB:       g.Store.Redis.DB,
		})
		b.logger.Info("using redis store", "addr", g.Store.Redis.Addr, "db", g.Store.Redis.DB)
		return redisstore.NewStore(redisstore.NewClientAdapter(client), storage.DefaultConfig()), nil

	default:
		return nil, fmt.Errorf("unknown store type %q", g.Store.Type)
	}
}
