package config

import (
	"os"
	"path/filepath"
	"testing"

	"guardian/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const validConfig = `
guardian:
  store:
    type: memory
  limiters:
    - type: general
      windowMs: 900000
      max: 100
    - type: auth
      windowMs: 900000
      max: 10
  bypass:
    tokens:
      - loadtest-token
  rules:
    - name: authenticated
      kind: jwt
      claim: sub
      override:
        windowMs: 900000
        max: 1000
    - name: apikey
      kind: apikey
      header: X-API-Key
  management:
    enabled: true
    port: 9090
`

func TestLoader_Load(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, validConfig)

		cfg, err := NewLoader(path).WithEnvVars(false).Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Guardian.Store.Type != "memory" {
			t.Errorf("store type = %q, want memory", cfg.Guardian.Store.Type)
		}
		if len(cfg.Guardian.Limiters) != 2 {
			t.Errorf("got %d limiters, want 2", len(cfg.Guardian.Limiters))
		}
		if len(cfg.Guardian.Rules) != 2 {
			t.Errorf("got %d rules, want 2", len(cfg.Guardian.Rules))
		}
		if cfg.Guardian.Rules[0].Name != "authenticated" {
			t.Errorf("rule order not preserved: first rule is %q", cfg.Guardian.Rules[0].Name)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := NewLoader("/nonexistent/guardian.yaml").Load(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("defaults fill omitted sections", func(t *testing.T) {
		path := writeConfig(t, "guardian:\n  store:\n    type: memory\n")

		cfg, err := NewLoader(path).WithEnvVars(false).Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Guardian.Penalty.ViolationThreshold != 5 {
			t.Errorf("violation threshold = %d, want default 5", cfg.Guardian.Penalty.ViolationThreshold)
		}
		if cfg.Guardian.Detector.FailedLogins.Threshold != 5 {
			t.Errorf("failed login threshold = %d, want default 5", cfg.Guardian.Detector.FailedLogins.Threshold)
		}
		if cfg.Guardian.Alerting.MaxActive != 100 {
			t.Errorf("max active alerts = %d, want default 100", cfg.Guardian.Alerting.MaxActive)
		}
		if cfg.Guardian.Bypass.Header != "X-Bypass-Token" {
			t.Errorf("bypass header = %q, want default", cfg.Guardian.Bypass.Header)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown store type",
			mutate:  func(c *Config) { c.Guardian.Store.Type = "dynamo" },
			wantErr: true,
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Guardian.Store.Type = "redis" },
			wantErr: true,
		},
		{
			name: "redis with address",
			mutate: func(c *Config) {
				c.Guardian.Store.Type = "redis"
				c.Guardian.Store.Redis = &Redis{Addr: "localhost:6379"}
			},
		},
		{
			name: "limiter with zero max",
			mutate: func(c *Config) {
				c.Guardian.Limiters = []Limiter{{Type: "general", WindowMs: 1000}}
			},
			wantErr: true,
		},
		{
			name: "duplicate rule names",
			mutate: func(c *Config) {
				c.Guardian.Rules = []Rule{
					{Name: "a", Kind: "jwt"},
					{Name: "a", Kind: "jwt"},
				}
			},
			wantErr: true,
		},
		{
			name: "apikey rule without header",
			mutate: func(c *Config) {
				c.Guardian.Rules = []Rule{{Name: "keys", Kind: "apikey"}}
			},
			wantErr: true,
		},
		{
			name: "cidr rule without ranges",
			mutate: func(c *Config) {
				c.Guardian.Rules = []Rule{{Name: "geo", Kind: "cidr"}}
			},
			wantErr: true,
		},
		{
			name: "unknown rule kind",
			mutate: func(c *Config) {
				c.Guardian.Rules = []Rule{{Name: "x", Kind: "magic"}}
			},
			wantErr: true,
		},
		{
			name: "invalid management port",
			mutate: func(c *Config) {
				c.Guardian.Management.Enabled = true
				c.Guardian.Management.Port = 70000
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLimiterFor(t *testing.T) {
	cfg := Default()
	cfg.Guardian.Limiters = []Limiter{
		{Type: "auth", WindowMs: 60000, Max: 3},
	}

	t.Run("configured type", func(t *testing.T) {
		l := cfg.Guardian.LimiterFor(core.LimiterAuth)
		if l.Max != 3 || l.WindowMs != 60000 {
			t.Errorf("LimiterFor(auth) = %+v, want configured row", l)
		}
	})

	t.Run("falls back to defaults", func(t *testing.T) {
		l := cfg.Guardian.LimiterFor(core.LimiterGeneral)
		if l.Max != 300 {
			t.Errorf("LimiterFor(general).Max = %d, want default 300", l.Max)
		}
	})
}

func TestLoadEnv(t *testing.T) {
	t.Run("overrides scalar values", func(t *testing.T) {
		t.Setenv("GUARDIAN_GUARDIAN_STORE_TYPE", "redis")
		t.Setenv("GUARDIAN_GUARDIAN_STORE_REDIS_ADDR", "redis:6379")
		t.Setenv("GUARDIAN_GUARDIAN_MANAGEMENT_ENABLED", "true")

		cfg := Default()
		if err := LoadEnv(cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Guardian.Store.Type != "redis" {
			t.Errorf("store type = %q, want redis", cfg.Guardian.Store.Type)
		}
		if cfg.Guardian.Store.Redis == nil || cfg.Guardian.Store.Redis.Addr != "redis:6379" {
			t.Errorf("redis addr not loaded: %+v", cfg.Guardian.Store.Redis)
		}
		if !cfg.Guardian.Management.Enabled {
			t.Error("management enabled not loaded")
		}
	})

	t.Run("loads string slices", func(t *testing.T) {
		t.Setenv("GUARDIAN_GUARDIAN_BYPASS_TOKENS", "tok1, tok2,tok3")

		cfg := Default()
		if err := LoadEnv(cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		tokens := cfg.Guardian.Bypass.Tokens
		if len(tokens) != 3 || tokens[1] != "tok2" {
			t.Errorf("bypass tokens = %v, want [tok1 tok2 tok3]", tokens)
		}
	})

	t.Run("rejects malformed ints", func(t *testing.T) {
		t.Setenv("GUARDIAN_GUARDIAN_MANAGEMENT_PORT", "not-a-number")

		cfg := Default()
		if err := LoadEnv(cfg); err == nil {
			t.Fatal("expected error")
		}
	})
}
