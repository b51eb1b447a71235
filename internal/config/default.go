package config

import "guardian/internal/core"

// defaultLimiters is the built-in quota table, used for any limiter type
// the config file does not override.
var defaultLimiters = map[core.LimiterType]Limiter{
	core.LimiterGeneral:       {Type: "general", WindowMs: 900000, Max: 300},
	core.LimiterAuth:          {Type: "auth", WindowMs: 900000, Max: 10},
	core.LimiterRegistration:  {Type: "registration", WindowMs: 3600000, Max: 5},
	core.LimiterPasswordReset: {Type: "password_reset", WindowMs: 3600000, Max: 3},
	core.LimiterUpload:        {Type: "upload", WindowMs: 900000, Max: 20},
	core.LimiterHeavy:         {Type: "heavy", WindowMs: 60000, Max: 10},
}

// Default returns a configuration with every knob at its built-in value
func Default() *Config {
	return &Config{
		Guardian: Guardian{
			Store: Store{Type: "memory"},
			Penalty: Penalty{
				ViolationWindowMs:  900000, // 15 min
				ViolationThreshold: 5,
				MaxLevel:           5,
				LevelTTLSeconds:    3600, // 1 hour per level
			},
			Detector: Detector{
				FailedLogins:      Threshold{WindowMs: 900000, Threshold: 5},
				LoginIPs:          Threshold{WindowMs: 3600000, Threshold: 3},
				RapidRequests:     Threshold{WindowMs: 60000, Threshold: 100},
				SuspiciousPaths:   Threshold{WindowMs: 3600000, Threshold: 10},
				ErrorRate:         Threshold{WindowMs: 300000, Threshold: 20},
				DistributedAttack: Threshold{WindowMs: 3600000, Threshold: 5},
			},
			Bypass: Bypass{Header: "X-Bypass-Token"},
			Alerting: Alerting{
				MaxActive:         100,
				AlertTTLHours:     168, // 7 days
				JanitorIntervalMs: 60000,
			},
			Management: Management{
				Enabled:  false,
				Host:     "127.0.0.1",
				Port:     9090,
				BasePath: "/management",
			},
		},
	}
}

// applyDefaults fills zero-valued knobs after decoding a config file
func applyDefaults(cfg *Config) {
	def := Default().Guardian
	g := &cfg.Guardian

	if g.Store.Type == "" {
		g.Store.Type = def.Store.Type
	}
	if g.Penalty.ViolationWindowMs == 0 {
		g.Penalty.ViolationWindowMs = def.Penalty.ViolationWindowMs
	}
	if g.Penalty.ViolationThreshold == 0 {
		g.Penalty.ViolationThreshold = def.Penalty.ViolationThreshold
	}
	if g.Penalty.MaxLevel == 0 {
		g.Penalty.MaxLevel = def.Penalty.MaxLevel
	}
	if g.Penalty.LevelTTLSeconds == 0 {
		g.Penalty.LevelTTLSeconds = def.Penalty.LevelTTLSeconds
	}

	fillThreshold(&g.Detector.FailedLogins, def.Detector.FailedLogins)
	fillThreshold(&g.Detector.LoginIPs, def.Detector.LoginIPs)
	fillThreshold(&g.Detector.RapidRequests, def.Detector.RapidRequests)
	fillThreshold(&g.Detector.SuspiciousPaths, def.Detector.SuspiciousPaths)
	fillThreshold(&g.Detector.ErrorRate, def.Detector.ErrorRate)
	fillThreshold(&g.Detector.DistributedAttack, def.Detector.DistributedAttack)

	if g.Bypass.Header == "" {
		g.Bypass.Header = def.Bypass.Header
	}
	if g.Alerting.MaxActive == 0 {
		g.Alerting.MaxActive = def.Alerting.MaxActive
	}
	if g.Alerting.AlertTTLHours == 0 {
		g.Alerting.AlertTTLHours = def.Alerting.AlertTTLHours
	}
	if g.Alerting.JanitorIntervalMs == 0 {
		g.Alerting.JanitorIntervalMs = def.Alerting.JanitorIntervalMs
	}
	if g.Management.Host == "" {
		g.Management.Host = def.Management.Host
	}
	if g.Management.Port == 0 {
		g.Management.Port = def.Management.Port
	}
	if g.Management.BasePath == "" {
		g.Management.BasePath = def.Management.BasePath
	}
}

func fillThreshold(t *Threshold, def Threshold) {
	if t.WindowMs == 0 {
		t.WindowMs = def.WindowMs
	}
	if t.Threshold == 0 {
		t.Threshold = def.Threshold
	}
}
