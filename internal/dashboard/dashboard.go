// Package dashboard aggregates alert and rate-limit state into read-only
// summaries for the management surface. It never mutates anything.
package dashboard

import (
	"context"
	"sort"
	"time"

	"guardian/internal/config"
	"guardian/internal/core"
)

// AlertSource lists active alerts, most recent first.
type AlertSource interface {
	ActiveAlerts(ctx context.Context, limit int) ([]core.Alert, error)
}

// LimiterView returns the quota table currently in force.
type LimiterView func() map[string]config.Limiter

// Summary is the security overview served to operators.
type Summary struct {
	GeneratedAt time.Time                 `json:"generatedAt"`
	TotalActive int                       `json:"totalActive"`
	Unresolved  int                       `json:"unresolved"`
	BySeverity  map[string]int            `json:"bySeverity"`
	ByType      map[string]int            `json:"byType"`
	TopSources  []SourceCount             `json:"topSources"`
	Recent      []core.Alert              `json:"recentAlerts"`
	Limiters    map[string]config.Limiter `json:"limiters,omitempty"`
}

// SourceCount is one offending IP and how many active alerts name it.
type SourceCount struct {
	IP     string `json:"ip"`
	Alerts int    `json:"alerts"`
}

// Service builds dashboard summaries.
type Service struct {
	alerts   AlertSource
	limiters LimiterView

	recentLimit int
	topLimit    int
}

// New creates a dashboard service. The limiter view may be nil when no
// quota snapshot is wanted.
func New(alerts AlertSource, limiters LimiterView) *Service {
	return &Service{
		alerts:      alerts,
		limiters:    limiters,
		recentLimit: 20,
		topLimit:    10,
	}
}

// Summary aggregates the current active alerts.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	alerts, err := s.alerts.ActiveAlerts(ctx, 0)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		GeneratedAt: time.Now().UTC(),
		TotalActive: len(alerts),
		BySeverity:  make(map[string]int),
		ByType:      make(map[string]int),
	}

	sources := make(map[string]int)
	for _, a := range alerts {
		sum.BySeverity[string(a.Severity)]++
		sum.ByType[string(a.Type)]++
		if !a.Resolved {
			sum.Unresolved++
		}
		if ip, ok := a.Details["ip"].(string); ok && ip != "" {
			sources[ip]++
		}
	}

	sum.TopSources = topSources(sources, s.topLimit)

	recent := alerts
	if len(recent) > s.recentLimit {
		recent = recent[:s.recentLimit]
	}
	sum.Recent = recent

	if s.limiters != nil {
		sum.Limiters = s.limiters()
	}

	return sum, nil
}

// topSources ranks offending IPs by alert count, ties broken by IP so the
// output is stable.
func topSources(counts map[string]int, limit int) []SourceCount {
	out := make([]SourceCount, 0, len(counts))
	for ip, n := range counts {
		out = append(out, SourceCount{IP: ip, Alerts: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alerts != out[j].Alerts {
			return out[i].Alerts > out[j].Alerts
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
