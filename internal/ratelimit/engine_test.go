package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/storage"
	"guardian/internal/storage/memory"
	"guardian/pkg/metrics"
)

func testGuardianConfig() config.Guardian {
	cfg := config.Default().Guardian
	cfg.Limiters = []config.Limiter{
		{Type: "general", WindowMs: 60000, Max: 5},
		{Type: "auth", WindowMs: 60000, Max: 2},
	}
	cfg.Bypass = config.Bypass{
		Header: "X-Bypass-Token",
		Tokens: []string{"ops-token"},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Guardian) (*Engine, *captureSink) {
	t.Helper()
	store := memory.NewStore(storage.DefaultConfig())
	t.Cleanup(func() { store.Close() })
	return newTestEngineWithStore(t, cfg, store)
}

func newTestEngineWithStore(t *testing.T, cfg config.Guardian, store storage.CacheStore) (*Engine, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	engine, err := NewEngine(store, cfg, sink, m, slog.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, sink
}

func TestEvaluateAdmitsWithinQuota(t *testing.T) {
	engine, _ := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/api/items", method: "GET", userAgent: "test"}

	for i := 1; i <= 5; i++ {
		d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Tier != core.TierIP {
			t.Errorf("tier = %s, want ip", d.Tier)
		}
		if d.Remaining != 5-i {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 5-i)
		}
	}
}

func TestEvaluateRejectsOverQuota(t *testing.T) {
	engine, sink := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/api/items", method: "GET", userAgent: "test"}

	for i := 0; i < 5; i++ {
		engine.Evaluate(ctx, req, core.LimiterGeneral)
	}

	d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request should be rejected")
	}
	if d.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want at least 1s", d.RetryAfter)
	}

	events := sink.ofType(core.AlertRateLimitExceeded)
	if len(events) != 1 {
		t.Fatalf("expected one violation event, got %d", len(events))
	}
	if events[0].severity != core.SeverityMedium {
		t.Errorf("severity = %s, want medium", events[0].severity)
	}
	if events[0].details["ip"] != "10.0.0.1" {
		t.Errorf("details should carry the ip, got %v", events[0].details["ip"])
	}
}

func TestEvaluateCountsBlockedIPs(t *testing.T) {
	// Block enforcement belongs to the caller; the engine keeps counting a
	// blocked IP so evidence keeps accruing while the block runs.
	store := memory.NewStore(storage.DefaultConfig())
	t.Cleanup(func() { store.Close() })
	engine, _ := newTestEngineWithStore(t, testGuardianConfig(), store)
	ctx := context.Background()

	if err := store.Set(ctx, "flag:blocked:10.0.0.1", "1", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	req := &mockRequest{ip: "10.0.0.1", path: "/api/items", method: "GET", userAgent: "test"}
	for i := 1; i <= 2; i++ {
		d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if d.Remaining != 5-i {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 5-i)
		}
	}
}

func TestEvaluateLimiterTypesAreIndependent(t *testing.T) {
	engine, _ := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/login", method: "POST", userAgent: "test"}

	// Exhaust auth (max 2); general stays open.
	engine.Evaluate(ctx, req, core.LimiterAuth)
	engine.Evaluate(ctx, req, core.LimiterAuth)

	if d, _ := engine.Evaluate(ctx, req, core.LimiterAuth); d.Allowed {
		t.Error("auth should be exhausted")
	}
	if d, _ := engine.Evaluate(ctx, req, core.LimiterGeneral); !d.Allowed {
		t.Error("general must not share the auth window")
	}
}

func TestBypassTierIsExempt(t *testing.T) {
	engine, sink := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{
		ip:        "10.0.0.1",
		path:      "/api/items",
		method:    "GET",
		userAgent: "loadgen",
		headers:   map[string]string{"X-Bypass-Token": "ops-token"},
	}

	// Far past the general quota; every request is admitted.
	for i := 0; i < 20; i++ {
		d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("bypass request %d rejected", i+1)
		}
		if d.Tier != core.TierBypass {
			t.Fatalf("tier = %s, want bypass", d.Tier)
		}
	}

	if len(sink.events) != 0 {
		t.Errorf("bypass traffic must not raise events, got %d", len(sink.events))
	}
	if d := engine.Penalty().ActiveDelay(ctx, "10.0.0.1"); d != 0 {
		t.Errorf("bypass traffic must not accrue penalties, delay = %v", d)
	}
}

func TestRejectionsEscalateToPenalty(t *testing.T) {
	engine, _ := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/api/items", method: "GET", userAgent: "test"}

	// 5 admitted, then 5 violations trip the penalty threshold.
	for i := 0; i < 10; i++ {
		engine.Evaluate(ctx, req, core.LimiterGeneral)
	}

	d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Delay != time.Second {
		t.Errorf("delay = %v, want 1s after 5 violations", d.Delay)
	}
}

func TestEvaluateFailsOpenOnStoreError(t *testing.T) {
	engine, _ := newTestEngineWithStore(t, testGuardianConfig(), &failingStore{})
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/api/items", method: "GET", userAgent: "test"}

	d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
	if err != nil {
		t.Fatalf("Evaluate should not surface store errors: %v", err)
	}
	if !d.Allowed {
		t.Error("unreachable store must admit the request")
	}
}

func TestRuleOverrideReplacesQuota(t *testing.T) {
	cfg := testGuardianConfig()
	cfg.Rules = []config.Rule{{
		Name:     "partner",
		Kind:     "apikey",
		Header:   "X-API-Key",
		Override: &config.Limiter{Type: "general", WindowMs: 60000, Max: 10},
	}}

	engine, _ := newTestEngine(t, cfg)
	ctx := context.Background()
	req := &mockRequest{
		ip:        "10.0.0.1",
		path:      "/api/items",
		method:    "GET",
		userAgent: "test",
		headers:   map[string]string{"X-API-Key": "key-1"},
	}

	// The partner override (10) outlasts the general default (5).
	for i := 1; i <= 10; i++ {
		d, err := engine.Evaluate(ctx, req, core.LimiterGeneral)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed under the override", i)
		}
		if d.Tier != core.TierRule {
			t.Fatalf("tier = %s, want rule", d.Tier)
		}
	}
	if d, _ := engine.Evaluate(ctx, req, core.LimiterGeneral); d.Allowed {
		t.Error("11th request should exceed the override")
	}
}

func TestUpdateConfigSwapsPolicy(t *testing.T) {
	engine, _ := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{
		ip:        "10.0.0.1",
		path:      "/api/items",
		method:    "GET",
		userAgent: "test",
		headers:   map[string]string{"X-Bypass-Token": "new-token"},
	}

	if d, _ := engine.Evaluate(ctx, req, core.LimiterGeneral); d.Tier == core.TierBypass {
		t.Fatal("token should not be recognized before the update")
	}

	cfg := testGuardianConfig()
	cfg.Bypass.Tokens = []string{"new-token"}
	if err := engine.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	if d, _ := engine.Evaluate(ctx, req, core.LimiterGeneral); d.Tier != core.TierBypass {
		t.Error("token should be recognized after the update")
	}
}

func TestStatusAndClear(t *testing.T) {
	engine, _ := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/api/items", method: "GET", userAgent: "test"}

	for i := 0; i < 3; i++ {
		engine.Evaluate(ctx, req, core.LimiterGeneral)
	}

	st, err := engine.Status(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	state, ok := st.Limiters["general"]
	if !ok {
		t.Fatal("general limiter should appear in status")
	}
	if state.Count != 3 {
		t.Errorf("count = %d, want 3", state.Count)
	}
	if state.Limit != 5 {
		t.Errorf("limit = %d, want 5", state.Limit)
	}

	if err := engine.Clear(ctx, "10.0.0.1", ""); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	st, err = engine.Status(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Limiters) != 0 {
		t.Errorf("cleared ip should have no limiter state, got %v", st.Limiters)
	}
}

func TestClearSingleLimiterType(t *testing.T) {
	engine, _ := newTestEngine(t, testGuardianConfig())
	ctx := context.Background()
	req := &mockRequest{ip: "10.0.0.1", path: "/login", method: "POST", userAgent: "test"}

	engine.Evaluate(ctx, req, core.LimiterGeneral)
	engine.Evaluate(ctx, req, core.LimiterAuth)

	if err := engine.Clear(ctx, "10.0.0.1", core.LimiterAuth); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	st, _ := engine.Status(ctx, "10.0.0.1")
	if _, ok := st.Limiters["auth"]; ok {
		t.Error("auth window should be cleared")
	}
	if _, ok := st.Limiters["general"]; !ok {
		t.Error("general window should survive a scoped clear")
	}
}

// failingStore errors on every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (f *failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (f *failingStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (f *failingStore) Delete(context.Context, string) error { return errStoreDown }
func (f *failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (f *failingStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, errStoreDown
}
func (f *failingStore) AddToSet(context.Context, string, string, time.Time, time.Duration) error {
	return errStoreDown
}
func (f *failingStore) RangeSet(context.Context, string, time.Time) ([]string, error) {
	return nil, errStoreDown
}
func (f *failingStore) TrimSetBefore(context.Context, string, time.Time) error {
	return errStoreDown
}
func (f *failingStore) Close() error { return nil }
