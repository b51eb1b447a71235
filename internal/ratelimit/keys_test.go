package ratelimit

import (
	"log/slog"
	"testing"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/rules"
)

type mockRequest struct {
	ip        string
	path      string
	method    string
	userAgent string
	headers   map[string]string
	userID    string
}

func (m *mockRequest) IP() string        { return m.ip }
func (m *mockRequest) Path() string      { return m.path }
func (m *mockRequest) Method() string    { return m.method }
func (m *mockRequest) UserAgent() string { return m.userAgent }
func (m *mockRequest) UserID() string    { return m.userID }
func (m *mockRequest) Header(name string) string {
	return m.headers[name]
}

func testPolicy(t *testing.T, bypass config.Bypass, ruleCfgs []config.Rule) *Policy {
	t.Helper()
	set, err := rules.NewSet(ruleCfgs, slog.Default())
	if err != nil {
		t.Fatalf("building rule set: %v", err)
	}
	return NewPolicy(bypass, set)
}

func TestDeriveBypassToken(t *testing.T) {
	p := testPolicy(t, config.Bypass{
		Header: "X-Bypass-Token",
		Tokens: []string{"loadtest-1"},
	}, nil)

	der := p.Derive(&mockRequest{
		ip:      "10.0.0.1",
		headers: map[string]string{"X-Bypass-Token": "loadtest-1"},
	}, core.LimiterGeneral)

	if der.Tier != core.TierBypass {
		t.Fatalf("tier = %s, want bypass", der.Tier)
	}
	if der.BypassToken != "loadtest-1" {
		t.Errorf("token = %s", der.BypassToken)
	}
	if der.Key != "bypass:loadtest-1:general" {
		t.Errorf("key = %s", der.Key)
	}
}

func TestDeriveUnknownTokenFallsThrough(t *testing.T) {
	p := testPolicy(t, config.Bypass{
		Header: "X-Bypass-Token",
		Tokens: []string{"loadtest-1"},
	}, nil)

	der := p.Derive(&mockRequest{
		ip:      "10.0.0.1",
		headers: map[string]string{"X-Bypass-Token": "forged"},
	}, core.LimiterGeneral)

	if der.Tier != core.TierIP {
		t.Errorf("unknown token should fall through to ip, got %s", der.Tier)
	}
}

func TestDeriveRuleTier(t *testing.T) {
	p := testPolicy(t, config.Bypass{Header: "X-Bypass-Token"}, []config.Rule{
		{Name: "partner", Kind: "apikey", Header: "X-API-Key"},
	})

	der := p.Derive(&mockRequest{
		ip:      "10.0.0.1",
		headers: map[string]string{"X-API-Key": "key-123"},
	}, core.LimiterAuth)

	if der.Tier != core.TierRule {
		t.Fatalf("tier = %s, want rule", der.Tier)
	}
	if der.RuleName != "partner" {
		t.Errorf("rule = %s", der.RuleName)
	}
	if der.Key != "partner:key-123:auth" {
		t.Errorf("key = %s", der.Key)
	}
}

func TestDeriveIPFallback(t *testing.T) {
	p := testPolicy(t, config.Bypass{Header: "X-Bypass-Token"}, nil)

	der := p.Derive(&mockRequest{ip: "203.0.113.7"}, core.LimiterGeneral)

	if der.Tier != core.TierIP {
		t.Fatalf("tier = %s, want ip", der.Tier)
	}
	if der.Key != "ip:203.0.113.7:general" {
		t.Errorf("key = %s", der.Key)
	}
}

func TestDeriveBypassBeatsRules(t *testing.T) {
	p := testPolicy(t, config.Bypass{
		Header: "X-Bypass-Token",
		Tokens: []string{"ops"},
	}, []config.Rule{
		{Name: "partner", Kind: "apikey", Header: "X-API-Key"},
	})

	der := p.Derive(&mockRequest{
		ip: "10.0.0.1",
		headers: map[string]string{
			"X-Bypass-Token": "ops",
			"X-API-Key":      "key-123",
		},
	}, core.LimiterGeneral)

	if der.Tier != core.TierBypass {
		t.Errorf("bypass outranks rules, got %s", der.Tier)
	}
}

func TestDeriveRuleOverride(t *testing.T) {
	override := &config.Limiter{Type: "general", WindowMs: 60000, Max: 1000}
	p := testPolicy(t, config.Bypass{Header: "X-Bypass-Token"}, []config.Rule{
		{Name: "partner", Kind: "apikey", Header: "X-API-Key", Override: override},
	})

	der := p.Derive(&mockRequest{
		ip:      "10.0.0.1",
		headers: map[string]string{"X-API-Key": "key-123"},
	}, core.LimiterGeneral)

	if der.Override == nil || der.Override.Max != 1000 {
		t.Errorf("rule override should ride along, got %+v", der.Override)
	}
}

func TestDeriveKeysSeparateLimiterTypes(t *testing.T) {
	p := testPolicy(t, config.Bypass{Header: "X-Bypass-Token"}, nil)
	req := &mockRequest{ip: "10.0.0.1"}

	seen := make(map[string]bool)
	for _, lt := range core.LimiterTypes() {
		key := p.Derive(req, lt).Key
		if seen[key] {
			t.Errorf("duplicate key %s across limiter types", key)
		}
		seen[key] = true
	}
}
