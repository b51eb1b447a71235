// Package management serves the operator API: security dashboard, alert
// handling, rate-limit inspection and clearing, health, and metrics. It
// binds separately from the protected application so it can sit behind its
// own network policy.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/dashboard"
	"guardian/internal/ratelimit"
)

// AlertStore is the slice of the alerting service the API needs.
type AlertStore interface {
	ActiveAlerts(ctx context.Context, limit int) ([]core.Alert, error)
	ResolveAlert(ctx context.Context, id string) error
}

// LimitAdmin inspects and clears per-IP rate-limit state.
type LimitAdmin interface {
	Status(ctx context.Context, ip string) (ratelimit.Status, error)
	Clear(ctx context.Context, ip string, lt core.LimiterType) error
}

// API provides runtime management endpoints
type API struct {
	config *config.Management
	logger *slog.Logger
	server *http.Server
	mux    *http.ServeMux
	mu     sync.RWMutex

	// References to managed components
	dashboard *dashboard.Service
	alerts    AlertStore
	limits    LimitAdmin
	reload    func() error
	gatherer  prometheus.Gatherer

	startTime time.Time
	version   string
}

// NewAPI creates a new management API
func NewAPI(cfg *config.Management, version string, logger *slog.Logger) *API {
	if cfg == nil {
		cfg = &config.Management{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     9090,
			BasePath: "/management",
		}
	}

	api := &API{
		config:    cfg,
		logger:    logger.With("component", "management-api"),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		version:   version,
	}

	api.setupRoutes()

	return api
}

// SetDashboard sets the dashboard reference
func (api *API) SetDashboard(d *dashboard.Service) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.dashboard = d
}

// SetAlerts sets the alert store reference
func (api *API) SetAlerts(a AlertStore) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.alerts = a
}

// SetRateLimiter sets the rate-limit admin reference
func (api *API) SetRateLimiter(l LimitAdmin) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.limits = l
}

// SetReloader sets the config reload hook
func (api *API) SetReloader(reload func() error) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.reload = reload
}

// SetMetrics sets the registry served at /metrics
func (api *API) SetMetrics(g prometheus.Gatherer) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.gatherer = g
}

// setupRoutes configures all management endpoints
func (api *API) setupRoutes() {
	basePath := api.config.BasePath
	if basePath == "" {
		basePath = "/management"
	}

	// Health endpoints
	api.mux.HandleFunc(basePath+"/health", api.handleHealth)
	api.mux.HandleFunc(basePath+"/health/live", api.handleLiveness)

	// Info
	api.mux.HandleFunc(basePath+"/info", api.handleInfo)

	// Security dashboard
	api.mux.HandleFunc(basePath+"/dashboard", api.handleDashboard)

	// Alert management
	api.mux.HandleFunc(basePath+"/alerts", api.handleAlerts)
	api.mux.HandleFunc(basePath+"/alerts/", api.handleAlertResolve)

	// Rate limiter management
	api.mux.HandleFunc(basePath+"/rate-limits", api.handleRateLimits)
	api.mux.HandleFunc(basePath+"/rate-limits/clear", api.handleRateLimitClear)

	// Config reload
	api.mux.HandleFunc(basePath+"/config/reload", api.handleConfigReload)

	// Prometheus metrics
	api.mux.HandleFunc("/metrics", api.handleMetrics)
}

// Handler returns the API handler with auth applied, for tests and embedding.
func (api *API) Handler() http.Handler {
	handler := http.Handler(api.mux)
	if api.config.Auth != nil {
		handler = api.authMiddleware(handler)
	}
	return handler
}

// Start starts the management API server
func (api *API) Start(ctx context.Context) error {
	if !api.config.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", api.config.Host, api.config.Port)
	api.server = &http.Server{
		Addr:    addr,
		Handler: api.Handler(),
	}

	go func() {
		api.logger.Info("Starting management API", "address", addr)
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			api.logger.Error("Management API error", "error", err)
		}
	}()

	return nil
}

// Stop stops the management API server
func (api *API) Stop(ctx context.Context) error {
	if api.server == nil {
		return nil
	}

	api.logger.Info("Stopping management API")
	return api.server.Shutdown(ctx)
}

// authMiddleware implements authentication for management endpoints
func (api *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.config.Auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		switch api.config.Auth.Type {
		case "token":
			token := r.Header.Get("Authorization")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != "Bearer "+api.config.Auth.Token && token != api.config.Auth.Token {
				api.writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

		case "basic":
			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="Management API"`)
				api.writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			expectedPass, exists := api.config.Auth.Users[username]
			if !exists || password != expectedPass {
				api.writeError(w, http.StatusUnauthorized, "Invalid credentials")
				return
			}

		default:
			api.writeError(w, http.StatusInternalServerError, "Invalid auth configuration")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response types
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

type InfoResponse struct {
	Version   string    `json:"version"`
	StartTime time.Time `json:"startTime"`
	Uptime    string    `json:"uptime"`
	GoVersion string    `json:"goVersion"`
}

// Handler implementations
func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(api.startTime).String(),
	}

	api.writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (api *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := InfoResponse{
		Version:   api.version,
		StartTime: api.startTime,
		Uptime:    time.Since(api.startTime).String(),
		GoVersion: runtime.Version(),
	}

	api.writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.mu.RLock()
	d := api.dashboard
	api.mu.RUnlock()

	if d == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Dashboard not available")
		return
	}

	summary, err := d.Summary(r.Context())
	if err != nil {
		api.logger.Error("dashboard summary failed", "error", err)
		api.writeError(w, http.StatusInternalServerError, "Failed to build summary")
		return
	}

	api.writeJSON(w, http.StatusOK, summary)
}

func (api *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.mu.RLock()
	alerts := api.alerts
	api.mu.RUnlock()

	if alerts == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Alerting not available")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
			api.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}

	list, err := alerts.ActiveAlerts(r.Context(), limit)
	if err != nil {
		api.logger.Error("alert listing failed", "error", err)
		api.writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	if list == nil {
		list = []core.Alert{}
	}

	api.writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

// handleAlertResolve serves POST {base}/alerts/{id}/resolve.
func (api *API) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.mu.RLock()
	alerts := api.alerts
	api.mu.RUnlock()

	if alerts == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Alerting not available")
		return
	}

	base := api.config.BasePath
	if base == "" {
		base = "/management"
	}
	rest := strings.TrimPrefix(r.URL.Path, base+"/alerts/")
	id, ok := strings.CutSuffix(rest, "/resolve")
	if !ok || id == "" || strings.Contains(id, "/") {
		api.writeError(w, http.StatusNotFound, "Not found")
		return
	}

	if err := alerts.ResolveAlert(r.Context(), id); err != nil {
		api.logger.Error("alert resolve failed", "id", id, "error", err)
		api.writeError(w, http.StatusInternalServerError, "Failed to resolve alert")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

func (api *API) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.mu.RLock()
	limits := api.limits
	api.mu.RUnlock()

	if limits == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Rate limiter not available")
		return
	}

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		api.writeError(w, http.StatusBadRequest, "Missing ip parameter")
		return
	}

	status, err := limits.Status(r.Context(), ip)
	if err != nil {
		api.logger.Error("rate-limit status failed", "ip", ip, "error", err)
		api.writeError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}

	api.writeJSON(w, http.StatusOK, status)
}

func (api *API) handleRateLimitClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.mu.RLock()
	limits := api.limits
	api.mu.RUnlock()

	if limits == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Rate limiter not available")
		return
	}

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		api.writeError(w, http.StatusBadRequest, "Missing ip parameter")
		return
	}

	lt := core.LimiterType(r.URL.Query().Get("type"))
	if lt != "" && !validLimiterType(lt) {
		api.writeError(w, http.StatusBadRequest, "Unknown limiter type")
		return
	}

	if err := limits.Clear(r.Context(), ip, lt); err != nil {
		api.logger.Error("rate-limit clear failed", "ip", ip, "error", err)
		api.writeError(w, http.StatusInternalServerError, "Failed to clear state")
		return
	}

	api.logger.Info("rate-limit state cleared", "ip", ip, "type", lt)
	api.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "ip": ip})
}

func (api *API) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	api.mu.RLock()
	reload := api.reload
	api.mu.RUnlock()

	if reload == nil {
		api.writeError(w, http.StatusServiceUnavailable, "Reload not available")
		return
	}

	if err := reload(); err != nil {
		api.logger.Error("config reload failed", "error", err)
		api.writeError(w, http.StatusInternalServerError, "Reload failed")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (api *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	api.mu.RLock()
	g := api.gatherer
	api.mu.RUnlock()

	if g == nil {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}
	promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func validLimiterType(lt core.LimiterType) bool {
	for _, t := range core.LimiterTypes() {
		if t == lt {
			return true
		}
	}
	return false
}

// Helper methods
func (api *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error("Failed to encode response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, status int, message string) {
	api.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
