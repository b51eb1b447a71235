// Package alerting materializes security events into alert records and
// dispatches automated remediation. The flags it writes are advisory state
// for the authentication layer; nothing here terminates a connection.
package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardian/internal/config"
	"guardian/internal/core"
	"guardian/internal/storage"
	"guardian/pkg/metrics"
)

const (
	activeIndexKey = "alerts:active"

	rateLimitFlagTTL = time.Hour
	blockFlagTTL     = 24 * time.Hour
	lockoutFlagTTL   = time.Hour
	verifyFlagTTL    = 24 * time.Hour
)

// Service persists alerts, maintains the bounded active index, and executes
// remediation actions.
type Service struct {
	store   storage.CacheStore
	cfg     config.Alerting
	metrics *metrics.Metrics
	logger  *slog.Logger

	// indexMu orders read-modify-write updates of the active index within
	// this process; the index is advisory, so cross-process races only
	// cost an entry, never correctness of the flags.
	indexMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewService creates an alerting service
func NewService(store storage.CacheStore, cfg config.Alerting, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "alerting"),
		done:    make(chan struct{}),
	}
}

// RaiseEvent implements core.EventSink. It never returns an error to the
// caller: a failure here must not prevent the underlying request from
// completing.
func (s *Service) RaiseEvent(ctx context.Context, typ core.AlertType, severity core.Severity, action core.ResponseAction, details map[string]any) {
	alert := core.Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  severity,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}

	s.metrics.SecurityEvents.WithLabelValues(string(typ), string(severity)).Inc()

	if err := s.persist(ctx, alert); err != nil {
		s.logger.Error("failed to persist alert", "type", typ, "error", err)
		s.metrics.StoreErrors.WithLabelValues("set").Inc()
		return
	}
	s.metrics.AlertsRaised.WithLabelValues(string(typ)).Inc()

	s.logger.Warn("security alert raised",
		"id", alert.ID,
		"type", typ,
		"severity", severity,
		"action", action,
	)

	if action != core.ActionNone {
		if err := s.respond(ctx, action, details); err != nil {
			s.logger.Error("automated response failed",
				"id", alert.ID,
				"action", action,
				"error", err,
			)
		}
	}
}

// persist writes the alert record and prepends its id to the active index
func (s *Service) persist(ctx context.Context, alert core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	ttl := time.Duration(s.cfg.AlertTTLHours) * time.Hour
	if err := s.store.Set(ctx, alertKey(alert.ID), string(data), ttl); err != nil {
		return err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}

	ids = append([]string{alert.ID}, ids...)
	if len(ids) > s.cfg.MaxActive {
		ids = ids[:s.cfg.MaxActive]
	}
	return s.writeIndex(ctx, ids)
}

// respond executes exactly one automated remediation action
func (s *Service) respond(ctx context.Context, action core.ResponseAction, details map[string]any) error {
	ip, _ := details["ip"].(string)
	userID, _ := details["userId"].(string)

	var err error
	switch action {
	case core.ActionRateLimit:
		err = s.store.Set(ctx, flagKey("ratelimited", ip), "1", rateLimitFlagTTL)
	case core.ActionBlockIP:
		err = s.store.Set(ctx, flagKey("blocked", ip), "1", blockFlagTTL)
	case core.ActionAccountLockout:
		err = s.store.Set(ctx, flagKey("locked", userID), "1", lockoutFlagTTL)
	case core.ActionVerifyIdentity:
		err = s.store.Set(ctx, flagKey("verify", userID), "1", verifyFlagTTL)
	default:
		s.logger.Warn("unknown response action", "action", action)
		return nil
	}

	if err == nil {
		s.metrics.ResponsesRun.WithLabelValues(string(action)).Inc()
	}
	return err
}

// IsIPBlocked reports whether an IP carries an active block flag.
// Store errors fail open: a missing flag read admits the request.
func (s *Service) IsIPBlocked(ctx context.Context, ip string) bool {
	return s.flagSet(ctx, flagKey("blocked", ip))
}

// IsIPRateLimited reports whether an IP carries an active forced
// rate-limit flag.
func (s *Service) IsIPRateLimited(ctx context.Context, ip string) bool {
	return s.flagSet(ctx, flagKey("ratelimited", ip))
}

// IsAccountLocked reports whether a user account is locked out.
func (s *Service) IsAccountLocked(ctx context.Context, userID string) bool {
	return s.flagSet(ctx, flagKey("locked", userID))
}

// NeedsIdentityVerification reports whether a user must re-verify.
func (s *Service) NeedsIdentityVerification(ctx context.Context, userID string) bool {
	return s.flagSet(ctx, flagKey("verify", userID))
}

func (s *Service) flagSet(ctx context.Context, key string) bool {
	_, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("flag read failed, treating as unset", "key", key, "error", err)
		s.metrics.StoreErrors.WithLabelValues("get").Inc()
		return false
	}
	return ok
}

// ResolveAlert marks an alert resolved. Resolved alerts stay in the index
// until their backing record expires.
func (s *Service) ResolveAlert(ctx context.Context, id string) error {
	val, ok, err := s.store.Get(ctx, alertKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var alert core.Alert
	if err := json.Unmarshal([]byte(val), &alert); err != nil {
		return err
	}
	alert.Resolved = true

	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	ttl, _ := s.store.TTL(ctx, alertKey(id))
	if ttl <= 0 {
		ttl = time.Duration(s.cfg.AlertTTLHours) * time.Hour
	}
	return s.store.Set(ctx, alertKey(id), string(data), ttl)
}

// ActiveAlerts returns up to limit alerts, most recent first. Index entries
// whose backing record has expired are skipped.
func (s *Service) ActiveAlerts(ctx context.Context, limit int) ([]core.Alert, error) {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	var alerts []core.Alert
	for _, id := range ids {
		if limit > 0 && len(alerts) >= limit {
			break
		}
		val, ok, err := s.store.Get(ctx, alertKey(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var alert core.Alert
		if err := json.Unmarshal([]byte(val), &alert); err != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// StartJanitor begins periodic pruning of index entries whose backing
// record has expired. It runs off the request path.
func (s *Service) StartJanitor() {
	interval := time.Duration(s.cfg.JanitorIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.Prune(context.Background()); err != nil {
					s.logger.Warn("alert pruning failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the janitor
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Prune drops index references to expired alert records
func (s *Service) Prune(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}

	kept := ids[:0]
	for _, id := range ids {
		_, ok, err := s.store.Get(ctx, alertKey(id))
		if err != nil {
			return err
		}
		if ok {
			kept = append(kept, id)
		}
	}

	if len(kept) == len(ids) {
		return nil
	}
	return s.writeIndex(ctx, kept)
}

func (s *Service) readIndex(ctx context.Context) ([]string, error) {
	val, ok, err := s.store.Get(ctx, activeIndexKey)
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(val), &ids); err != nil {
		return nil, nil
	}
	return ids, nil
}

func (s *Service) writeIndex(ctx context.Context, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, activeIndexKey, string(data), 0)
}

func alertKey(id string) string {
	return "alert:" + id
}

func flagKey(kind, target string) string {
	return "flag:" + kind + ":" + target
}

var _ core.EventSink = (*Service)(nil)
