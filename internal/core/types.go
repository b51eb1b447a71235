package core

import (
	"context"
	"time"
)

// LimiterType names a quota class with its own window and max-count policy.
type LimiterType string

const (
	LimiterGeneral       LimiterType = "general"
	LimiterAuth          LimiterType = "auth"
	LimiterRegistration  LimiterType = "registration"
	LimiterPasswordReset LimiterType = "password_reset"
	LimiterUpload        LimiterType = "upload"
	LimiterHeavy         LimiterType = "heavy"
)

// LimiterTypes lists every known limiter type.
func LimiterTypes() []LimiterType {
	return []LimiterType{
		LimiterGeneral,
		LimiterAuth,
		LimiterRegistration,
		LimiterPasswordReset,
		LimiterUpload,
		LimiterHeavy,
	}
}

// Request is the narrow view of an inbound request the engine needs.
// The web-serving layer adapts its own request type to this interface.
type Request interface {
	IP() string
	Path() string
	Method() string
	UserAgent() string
	Header(name string) string
	UserID() string // empty when unauthenticated
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration

	// Delay is the penalty delay the caller must await before proceeding.
	// Zero when the source has no active penalty.
	Delay time.Duration

	// Key and Tier identify the rate-limit bucket the request counted
	// against and which derivation tier matched.
	Key  string
	Tier Tier
}

// Tier identifies which key-derivation tier matched a request.
type Tier string

const (
	TierBypass Tier = "bypass"
	TierRule   Tier = "rule"
	TierIP     Tier = "ip"
)

// AlertType enumerates the security event and alert kinds the engine raises.
type AlertType string

const (
	AlertRateLimitExceeded    AlertType = "RATE_LIMIT_EXCEEDED"
	AlertRateLimitPenalty     AlertType = "RATE_LIMIT_PENALTY"
	AlertMultipleFailedLogins AlertType = "MULTIPLE_FAILED_LOGINS"
	AlertMultipleIPLogin      AlertType = "MULTIPLE_IP_LOGIN"
	AlertRapidRequests        AlertType = "RAPID_REQUESTS"
	AlertSuspiciousEndpoint   AlertType = "SUSPICIOUS_ENDPOINT_ACCESS"
	AlertMissingUserAgent     AlertType = "MISSING_USER_AGENT"
	AlertHighErrorRate        AlertType = "HIGH_ERROR_RATE"
	AlertDistributedAttack    AlertType = "DISTRIBUTED_ATTACK"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResponseAction is an automated remediation dispatched when an alert fires.
type ResponseAction string

const (
	ActionNone           ResponseAction = ""
	ActionRateLimit      ResponseAction = "rate_limit"
	ActionBlockIP        ResponseAction = "block_ip"
	ActionAccountLockout ResponseAction = "account_lockout"
	ActionVerifyIdentity ResponseAction = "verify_identity"
)

// Alert is a materialized security finding. Alerts are append-only; cleanup
// removes index references whose backing record has expired.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
	Resolved  bool           `json:"resolved"`
}

// EventSink consumes security events raised by the enforcement and
// detection layers. A sink failure must never fail the request path.
type EventSink interface {
	RaiseEvent(ctx context.Context, typ AlertType, severity Severity, action ResponseAction, details map[string]any)
}
