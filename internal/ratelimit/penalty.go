package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/storage"
)

// PenaltyEngine converts repeated short-window violations into an
// escalating, longer-lived cost. The penalty is cumulative pressure, not a
// hard block: abusive sources lose throughput while legitimate retries
// stay correct.
type PenaltyEngine struct {
	store  storage.CacheStore
	cfg    config.Penalty
	events core.EventSink
	logger *slog.Logger
}

// NewPenaltyEngine creates a penalty engine
func NewPenaltyEngine(store storage.CacheStore, cfg config.Penalty, events core.EventSink, logger *slog.Logger) *PenaltyEngine {
	return &PenaltyEngine{
		store:  store,
		cfg:    cfg,
		events: events,
		logger: logger.With("component", "penalty"),
	}
}

// RecordViolation counts one rejected request for the source IP and
// escalates its penalty once violations reach the threshold. Returns the
// penalty level now in force (0 when none).
func (p *PenaltyEngine) RecordViolation(ctx context.Context, ip string, lt core.LimiterType) (int, error) {
	window := time.Duration(p.cfg.ViolationWindowMs) * time.Millisecond

	count, err := p.store.Increment(ctx, violationKey(ip, lt), window)
	if err != nil {
		return 0, err
	}

	if count < int64(p.cfg.ViolationThreshold) {
		return 0, nil
	}

	level := int(count) - (p.cfg.ViolationThreshold - 1)
	if level > p.cfg.MaxLevel {
		level = p.cfg.MaxLevel
	}

	// Level only ever rises while violations continue; it falls solely by
	// TTL expiry of the penalty record.
	if current, _ := p.Level(ctx, ip); current >= level {
		return current, nil
	}

	ttl := time.Duration(p.cfg.LevelTTLSeconds*level) * time.Second
	if err := p.store.Set(ctx, penaltyKey(ip), strconv.Itoa(level), ttl); err != nil {
		return 0, err
	}

	p.logger.Warn("penalty escalated",
		"ip", ip,
		"limiter", lt,
		"violations", count,
		"level", level,
		"ttl", ttl,
	)

	if p.events != nil {
		p.events.RaiseEvent(ctx, core.AlertRateLimitPenalty, core.SeverityHigh, core.ActionNone, map[string]any{
			"ip":         ip,
			"limiter":    string(lt),
			"violations": count,
			"level":      level,
			"ttlSeconds": int(ttl.Seconds()),
		})
	}

	return level, nil
}

// Level returns the active penalty level for an IP, 0 when none.
func (p *PenaltyEngine) Level(ctx context.Context, ip string) (int, error) {
	val, ok, err := p.store.Get(ctx, penaltyKey(ip))
	if err != nil || !ok {
		return 0, err
	}
	level, err := strconv.Atoi(val)
	if err != nil {
		return 0, nil
	}
	return level, nil
}

// ActiveDelay returns the admission delay an IP must wait out before its
// request proceeds: one second per penalty level. Store errors fail open.
func (p *PenaltyEngine) ActiveDelay(ctx context.Context, ip string) time.Duration {
	level, err := p.Level(ctx, ip)
	if err != nil {
		p.logger.Warn("penalty lookup failed, admitting without delay", "ip", ip, "error", err)
		return 0
	}
	return time.Duration(level) * time.Second
}

// Clear removes the penalty record and violation counters for an IP.
func (p *PenaltyEngine) Clear(ctx context.Context, ip string, types []core.LimiterType) error {
	if err := p.store.Delete(ctx, penaltyKey(ip)); err != nil {
		return err
	}
	for _, lt := range types {
		if err := p.store.Delete(ctx, violationKey(ip, lt)); err != nil {
			return err
		}
	}
	return nil
}

// Wait suspends the calling request for the penalty delay. Only this
// request's goroutine parks; nothing else is held up.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func violationKey(ip string, lt core.LimiterType) string {
	return fmt.Sprintf("violations:%s:%s", ip, lt)
}

func penaltyKey(ip string) string {
	return "penalty:" + ip
}
