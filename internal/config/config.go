package config

import (
	"time"

	"guardian/internal/core"
)

// Config holds engine configuration
type Config struct {
	Guardian Guardian `yaml:"guardian"`
}

// Guardian configuration
type Guardian struct {
	Store      Store      `yaml:"store"`
	Limiters   []Limiter  `yaml:"limiters"`
	Penalty    Penalty    `yaml:"penalty"`
	Detector   Detector   `yaml:"detector"`
	Bypass     Bypass     `yaml:"bypass"`
	Rules      []Rule     `yaml:"rules"`
	Alerting   Alerting   `yaml:"alerting"`
	Management Management `yaml:"management"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Store configuration
type Store struct {
	Type  string `yaml:"type"` // memory or redis
	Redis *Redis `yaml:"redis,omitempty"`
}

// Redis connection configuration
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// Limiter is one row of the per-limiter-type quota table
type Limiter struct {
	Type     string `yaml:"type"`
	WindowMs int    `yaml:"windowMs"`
	Max      int    `yaml:"max"`
}

// Window returns the limiter window as a duration
func (l Limiter) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

// Penalty configuration for the escalation engine
type Penalty struct {
	ViolationWindowMs  int `yaml:"violationWindowMs"`  // violation counter TTL
	ViolationThreshold int `yaml:"violationThreshold"` // violations before a penalty
	MaxLevel           int `yaml:"maxLevel"`
	LevelTTLSeconds    int `yaml:"levelTTLSeconds"` // penalty TTL per level
}

// Detector thresholds. Each signal has its own window and trip point.
type Detector struct {
	FailedLogins      Threshold `yaml:"failedLogins"`
	LoginIPs          Threshold `yaml:"loginIPs"`
	RapidRequests     Threshold `yaml:"rapidRequests"`
	SuspiciousPaths   Threshold `yaml:"suspiciousPaths"`
	ErrorRate         Threshold `yaml:"errorRate"`
	DistributedAttack Threshold `yaml:"distributedAttack"`

	// SuspiciousPatterns are path substrings that mark probe traffic.
	// Empty means the built-in list.
	SuspiciousPatterns []string `yaml:"suspiciousPatterns,omitempty"`
}

// Threshold is a sliding counter trip point
type Threshold struct {
	WindowMs  int `yaml:"windowMs"`
	Threshold int `yaml:"threshold"`
}

// Window returns the threshold window as a duration
func (t Threshold) Window() time.Duration {
	return time.Duration(t.WindowMs) * time.Millisecond
}

// Bypass token configuration
type Bypass struct {
	Tokens []string `yaml:"tokens"`
	Header string   `yaml:"header"`
}

// Rule is one custom key-derivation rule. Rules are evaluated in declared
// order; first match wins.
type Rule struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // jwt, apikey, cidr

	// JWT rules
	Claim      string   `yaml:"claim,omitempty"`     // claim used as bucket key (default "sub")
	WantClaim  string   `yaml:"wantClaim,omitempty"` // claim that must hold one of WantValues
	WantValues []string `yaml:"wantValues,omitempty"`
	Secret     string   `yaml:"secret,omitempty"` // HMAC secret; empty skips signature verification

	// API-key rules
	Header string `yaml:"header,omitempty"`

	// CIDR rules
	CIDRs []string `yaml:"cidrs,omitempty"`

	// Override replaces the limiter-type default quota for this rule's
	// buckets when set.
	Override *Limiter `yaml:"override,omitempty"`
}

// Alerting configuration
type Alerting struct {
	MaxActive         int `yaml:"maxActive"`         // bound on the active-alerts index
	AlertTTLHours     int `yaml:"alertTTLHours"`     // backing record TTL
	JanitorIntervalMs int `yaml:"janitorIntervalMs"` // prune cadence
}

// Management API configuration
type Management struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
	Auth     *Auth  `yaml:"auth,omitempty"`
}

// Auth configuration for the management API
type Auth struct {
	Type  string            `yaml:"type"` // token or basic
	Token string            `yaml:"token,omitempty"`
	Users map[string]string `yaml:"users,omitempty"`
}

// Telemetry configuration
type Telemetry struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Version string `yaml:"version"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	SampleRate   float64           `yaml:"sampleRate"`
	MaxBatchSize int               `yaml:"maxBatchSize"`
	BatchTimeout int               `yaml:"batchTimeout"` // seconds
}

// LimiterFor returns the quota row for a limiter type, falling back to the
// built-in defaults for types the file omits.
func (g *Guardian) LimiterFor(lt core.LimiterType) Limiter {
	for _, l := range g.Limiters {
		if l.Type == string(lt) {
			return l
		}
	}
	return defaultLimiters[lt]
}
