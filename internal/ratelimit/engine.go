package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/rules"
	"guardian/internal/storage"
	"guardian/pkg/metrics"
)

// Engine is the admission-control façade: key derivation, penalty lookup,
// quota enforcement, and the violation path behind a single Evaluate call.
type Engine struct {
	store    storage.CacheStore
	enforcer *Enforcer
	penalty  *PenaltyEngine
	events   core.EventSink
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu     sync.RWMutex
	policy *Policy
	cfg    config.Guardian
}

// NewEngine wires an engine from configuration. The event sink may be nil
// when no alerting is attached.
func NewEngine(store storage.CacheStore, cfg config.Guardian, events core.EventSink, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	ruleSet, err := rules.NewSet(cfg.Rules, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    store,
		enforcer: NewEnforcer(store),
		penalty:  NewPenaltyEngine(store, cfg.Penalty, events, logger),
		events:   events,
		metrics:  m,
		tracer:   otel.Tracer("guardian/ratelimit"),
		logger:   logger.With("component", "ratelimit"),
		policy:   NewPolicy(cfg.Bypass, ruleSet),
		cfg:      cfg,
	}
	return e, nil
}

// UpdateConfig swaps the limiter tables, bypass tokens, and custom rules.
// In-flight evaluations finish against the old tables.
func (e *Engine) UpdateConfig(cfg config.Guardian) error {
	ruleSet, err := rules.NewSet(cfg.Rules, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = NewPolicy(cfg.Bypass, ruleSet)
	e.cfg = cfg
	e.penalty.cfg = cfg.Penalty
	return nil
}

// Penalty exposes the penalty engine for wiring and manual remediation.
func (e *Engine) Penalty() *PenaltyEngine {
	return e.penalty
}

// Limiters returns the quota table currently in force, defaults included.
func (e *Engine) Limiters() map[string]config.Limiter {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	out := make(map[string]config.Limiter, len(core.LimiterTypes()))
	for _, lt := range core.LimiterTypes() {
		out[string(lt)] = cfg.LimiterFor(lt)
	}
	return out
}

// Evaluate runs the full admission check for one request. Store failures
// fail open: the request is admitted and the failure is logged and counted.
func (e *Engine) Evaluate(ctx context.Context, req core.Request, lt core.LimiterType) (core.Decision, error) {
	// Counters must reflect requests received, not served: a client that
	// abandons the connection mid-check still gets counted.
	ctx = context.WithoutCancel(ctx)

	ctx, span := e.tracer.Start(ctx, "ratelimit.Evaluate",
		trace.WithAttributes(
			attribute.String("limiter", string(lt)),
			attribute.String("ip", req.IP()),
		))
	defer span.End()

	e.mu.RLock()
	policy := e.policy
	cfg := e.cfg
	e.mu.RUnlock()

	der := policy.Derive(req, lt)
	decision := core.Decision{
		Allowed: true,
		Key:     der.Key,
		Tier:    der.Tier,
	}
	span.SetAttributes(attribute.String("tier", string(der.Tier)))

	// Bypass traffic is exempt from quotas, violations, and penalties;
	// only its usage is recorded.
	if der.Tier == core.TierBypass {
		e.metrics.BypassHits.WithLabelValues(string(lt)).Inc()
		e.metrics.ChecksTotal.WithLabelValues(string(lt), string(der.Tier), "true").Inc()
		if _, err := e.store.Increment(ctx, "bypass_usage:"+der.BypassToken, 24*time.Hour); err != nil {
			e.logger.Warn("failed to record bypass usage", "error", err)
		}
		return decision, nil
	}

	if der.Tier == core.TierRule {
		e.metrics.RuleHits.WithLabelValues(der.RuleName, string(lt)).Inc()
	}

	// Active penalties delay admission before the quota is consulted; the
	// caller awaits the returned delay.
	decision.Delay = e.penalty.ActiveDelay(ctx, req.IP())
	if decision.Delay > 0 {
		e.metrics.PenaltyDelay.Observe(decision.Delay.Seconds())
	}

	limiter := cfg.LimiterFor(lt)
	if der.Override != nil {
		limiter = *der.Override
	}

	quota, err := e.enforcer.Check(ctx, der.Key, limiter)
	if err != nil {
		// Fail open: an unreachable store must not take the site down.
		e.logger.Warn("quota check failed, admitting request",
			"key", der.Key,
			"limiter", lt,
			"error", err,
		)
		e.metrics.StoreErrors.WithLabelValues("increment").Inc()
		e.metrics.StoreFallbacks.Inc()
		return decision, nil
	}

	decision.Allowed = quota.Allowed
	decision.Limit = quota.Limit
	decision.Remaining = quota.Remaining
	decision.ResetAt = quota.ResetAt

	e.metrics.ChecksTotal.WithLabelValues(string(lt), string(der.Tier), strconv.FormatBool(quota.Allowed)).Inc()

	if !quota.Allowed {
		decision.RetryAfter = time.Until(quota.ResetAt)
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
		e.metrics.ChecksRejected.WithLabelValues(string(lt)).Inc()
		e.rejected(ctx, req, lt, quota)
	}

	return decision, nil
}

// rejected runs the violation path for an over-quota request
func (e *Engine) rejected(ctx context.Context, req core.Request, lt core.LimiterType, quota Quota) {
	if e.events != nil {
		e.events.RaiseEvent(ctx, core.AlertRateLimitExceeded, core.SeverityMedium, core.ActionNone, map[string]any{
			"ip":        req.IP(),
			"userAgent": req.UserAgent(),
			"path":      req.Path(),
			"method":    req.Method(),
			"limiter":   string(lt),
			"count":     quota.Count,
			"limit":     quota.Limit,
		})
	}

	level, err := e.penalty.RecordViolation(ctx, req.IP(), lt)
	if err != nil {
		e.logger.Warn("violation recording failed", "ip", req.IP(), "error", err)
		e.metrics.StoreErrors.WithLabelValues("increment").Inc()
		return
	}
	if level > 0 {
		e.metrics.PenaltiesApplied.WithLabelValues(strconv.Itoa(level)).Inc()
	}
}

// Status reports the current window counts, violations, and penalty level
// for an IP across every limiter type.
type Status struct {
	IP       string                  `json:"ip"`
	Penalty  int                     `json:"penaltyLevel"`
	Limiters map[string]LimiterState `json:"limiters"`
}

// LimiterState is the per-limiter slice of a Status.
type LimiterState struct {
	Count      int64 `json:"count"`
	Limit      int   `json:"limit"`
	ResetInSec int   `json:"resetInSeconds"`
}

// Status returns the rate-limit state of an IP for the dashboard.
func (e *Engine) Status(ctx context.Context, ip string) (Status, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	st := Status{IP: ip, Limiters: make(map[string]LimiterState)}

	level, err := e.penalty.Level(ctx, ip)
	if err != nil {
		return st, err
	}
	st.Penalty = level

	for _, lt := range core.LimiterTypes() {
		key := "ip:" + ip + ":" + string(lt)
		count, ttl, err := e.enforcer.Count(ctx, key)
		if err != nil {
			return st, err
		}
		if count == 0 {
			continue
		}
		st.Limiters[string(lt)] = LimiterState{
			Count:      count,
			Limit:      cfg.LimiterFor(lt).Max,
			ResetInSec: int(ttl.Seconds()),
		}
	}
	return st, nil
}

// Clear removes rate-limit state for an IP: its windows and violations for
// one limiter type, or everything including the penalty when lt is empty.
func (e *Engine) Clear(ctx context.Context, ip string, lt core.LimiterType) error {
	if lt != "" {
		if err := e.enforcer.Reset(ctx, "ip:"+ip+":"+string(lt)); err != nil {
			return err
		}
		return e.store.Delete(ctx, violationKey(ip, lt))
	}

	for _, t := range core.LimiterTypes() {
		if err := e.enforcer.Reset(ctx, "ip:"+ip+":"+string(t)); err != nil {
			return err
		}
	}
	return e.penalty.Clear(ctx, ip, core.LimiterTypes())
}
