// Package detector watches traffic and authentication activity for anomaly
// signals and raises security events when a signal crosses its threshold.
// Every observation is fail-open: a store error drops the observation and
// never the request.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/storage"
	"guardian/pkg/metrics"
)

// defaultSuspiciousPatterns mark probe traffic when they appear anywhere in
// the request path.
var defaultSuspiciousPatterns = []string{
	"/.env",
	"/.git",
	"/.aws",
	"/wp-admin",
	"/wp-login",
	"/phpmyadmin",
	"/etc/passwd",
	"/admin.php",
	"/shell",
	"/cgi-bin",
	"../",
}

// Detector evaluates anomaly signals against rolling counters and sets.
type Detector struct {
	store   storage.CacheStore
	events  core.EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	cfg      config.Detector
	patterns []string
}

// New creates a detector
func New(store storage.CacheStore, cfg config.Detector, events core.EventSink, m *metrics.Metrics, logger *slog.Logger) *Detector {
	d := &Detector{
		store:   store,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "detector"),
	}
	d.UpdateConfig(cfg)
	return d
}

// UpdateConfig swaps the detector thresholds. Safe for concurrent use with
// observation calls.
func (d *Detector) UpdateConfig(cfg config.Detector) {
	patterns := cfg.SuspiciousPatterns
	if len(patterns) == 0 {
		patterns = defaultSuspiciousPatterns
	}

	d.mu.Lock()
	d.cfg = cfg
	d.patterns = patterns
	d.mu.Unlock()
}

func (d *Detector) snapshot() (config.Detector, []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.patterns
}

// RecordRequest observes one completed request for the traffic-shaped
// signals: rapid requests, suspicious paths, missing user agent and
// per-status error rate.
func (d *Detector) RecordRequest(ctx context.Context, req core.Request, status int) {
	cfg, patterns := d.snapshot()
	ip := req.IP()

	if req.UserAgent() == "" {
		d.events.RaiseEvent(ctx, core.AlertMissingUserAgent, core.SeverityLow, core.ActionNone, map[string]any{
			"ip":     ip,
			"path":   req.Path(),
			"method": req.Method(),
		})
	}

	d.countSignal(ctx, "reqcount:"+ip, cfg.RapidRequests, tripAbove, func(count int64) {
		d.events.RaiseEvent(ctx, core.AlertRapidRequests, core.SeverityHigh, core.ActionRateLimit, map[string]any{
			"ip":       ip,
			"requests": count,
			"windowMs": cfg.RapidRequests.WindowMs,
		})
	})

	if suspiciousPath(req.Path(), patterns) {
		d.countSignal(ctx, "suspicious:"+ip, cfg.SuspiciousPaths, tripAbove, func(count int64) {
			d.events.RaiseEvent(ctx, core.AlertSuspiciousEndpoint, core.SeverityCritical, core.ActionBlockIP, map[string]any{
				"ip":    ip,
				"path":  req.Path(),
				"count": count,
			})
		})
	}

	if status >= 400 {
		key := fmt.Sprintf("errors:%s:%d", ip, status)
		d.countSignal(ctx, key, cfg.ErrorRate, tripAbove, func(count int64) {
			d.events.RaiseEvent(ctx, core.AlertHighErrorRate, core.SeverityMedium, core.ActionNone, map[string]any{
				"ip":     ip,
				"status": status,
				"count":  count,
			})
		})
	}
}

// RecordAuthAttempt observes one authentication attempt. Failures feed the
// failed-login counter for the source IP; any attempt against a known user
// feeds the distinct-IP signals for that account. A success clears the
// source IP's failure streak.
func (d *Detector) RecordAuthAttempt(ctx context.Context, req core.Request, userID string, success bool) {
	cfg, _ := d.snapshot()
	ip := req.IP()

	if success {
		if err := d.store.Delete(ctx, "failed_logins:"+ip); err != nil {
			d.observeErr("delete", err)
		}
	} else {
		d.countSignal(ctx, "failed_logins:"+ip, cfg.FailedLogins, tripAt, func(count int64) {
			d.events.RaiseEvent(ctx, core.AlertMultipleFailedLogins, core.SeverityHigh, core.ActionRateLimit, map[string]any{
				"ip":       ip,
				"failures": count,
			})
		})
	}

	if userID == "" {
		return
	}

	if success {
		d.setSignal(ctx, "login_ips:"+userID, ip, cfg.LoginIPs, func(distinct int) {
			d.events.RaiseEvent(ctx, core.AlertMultipleIPLogin, core.SeverityMedium, core.ActionVerifyIdentity, map[string]any{
				"userId":   userID,
				"ip":       ip,
				"distinct": distinct,
			})
		})
	}

	member := ip + "|" + req.UserAgent()
	d.distinctIPSignal(ctx, "activity_ips:"+userID, ip, member, cfg.DistributedAttack, func(distinct int) {
		d.events.RaiseEvent(ctx, core.AlertDistributedAttack, core.SeverityCritical, core.ActionAccountLockout, map[string]any{
			"userId":  userID,
			"ip":      ip,
			"sources": distinct,
		})
	})
}

// tripAt fires when the counter reaches the threshold, tripAbove when it
// exceeds it. Either way the counter passes the trip point exactly once per
// window, which gives one alert per window.
type tripMode int

const (
	tripAt tripMode = iota
	tripAbove
)

func (d *Detector) countSignal(ctx context.Context, key string, th config.Threshold, mode tripMode, fire func(count int64)) {
	window := time.Duration(th.WindowMs) * time.Millisecond
	count, err := d.store.Increment(ctx, key, window)
	if err != nil {
		d.observeErr("increment", err)
		return
	}

	trip := int64(th.Threshold)
	if mode == tripAbove {
		trip++
	}
	if count == trip {
		fire(count)
	}
}

// setSignal tracks distinct members in a rolling window and fires once when
// the distinct count first exceeds the threshold. Re-observing a known
// member refreshes its score without re-firing.
func (d *Detector) setSignal(ctx context.Context, key, member string, th config.Threshold, fire func(distinct int)) {
	window := time.Duration(th.WindowMs) * time.Millisecond
	now := time.Now()
	since := now.Add(-window)

	if err := d.store.TrimSetBefore(ctx, key, since); err != nil {
		d.observeErr("trimset", err)
		return
	}
	members, err := d.store.RangeSet(ctx, key, since)
	if err != nil {
		d.observeErr("rangeset", err)
		return
	}

	known := false
	for _, m := range members {
		if m == member {
			known = true
			break
		}
	}

	if err := d.store.AddToSet(ctx, key, member, now, window); err != nil {
		d.observeErr("addset", err)
		return
	}
	if known {
		return
	}

	distinct := len(members) + 1
	if distinct == th.Threshold+1 {
		fire(distinct)
	}
}

// distinctIPSignal is setSignal with members of the form "ip|userAgent",
// deduplicated on the ip prefix so one source counts once no matter how
// many agents it rotates through.
func (d *Detector) distinctIPSignal(ctx context.Context, key, ip, member string, th config.Threshold, fire func(distinct int)) {
	window := time.Duration(th.WindowMs) * time.Millisecond
	now := time.Now()
	since := now.Add(-window)

	if err := d.store.TrimSetBefore(ctx, key, since); err != nil {
		d.observeErr("trimset", err)
		return
	}
	members, err := d.store.RangeSet(ctx, key, since)
	if err != nil {
		d.observeErr("rangeset", err)
		return
	}

	ips := make(map[string]struct{}, len(members))
	for _, m := range members {
		ips[ipOf(m)] = struct{}{}
	}
	_, known := ips[ip]

	if err := d.store.AddToSet(ctx, key, member, now, window); err != nil {
		d.observeErr("addset", err)
		return
	}
	if known {
		return
	}

	distinct := len(ips) + 1
	if distinct == th.Threshold+1 {
		fire(distinct)
	}
}

func (d *Detector) observeErr(op string, err error) {
	d.logger.Warn("detector store operation failed", "op", op, "error", err)
	d.metrics.StoreErrors.WithLabelValues(op).Inc()
}

func suspiciousPath(path string, patterns []string) bool {
	lower := strings.ToLower(path)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func ipOf(member string) string {
	if i := strings.IndexByte(member, '|'); i >= 0 {
		return member[:i]
	}
	return member
}
