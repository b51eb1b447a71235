package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"guardian/internal/core"
	"guardian/pkg/errors"
)

// Blocker answers whether a source IP carries an active block flag.
type Blocker interface {
	IsIPBlocked(ctx context.Context, ip string) bool
}

// RequestRecorder consumes completed requests for anomaly detection.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, req core.Request, status int)
}

// LimiterSelector picks the limiter class for an incoming request.
type LimiterSelector func(r *http.Request) core.LimiterType

// SelectLimiter is the default path-based limiter classification.
func SelectLimiter(r *http.Request) core.LimiterType {
	path := strings.ToLower(r.URL.Path)
	switch {
	case strings.Contains(path, "/password-reset"), strings.Contains(path, "/forgot-password"):
		return core.LimiterPasswordReset
	case strings.Contains(path, "/register"), strings.Contains(path, "/signup"):
		return core.LimiterRegistration
	case strings.Contains(path, "/login"), strings.Contains(path, "/auth"):
		return core.LimiterAuth
	case strings.Contains(path, "/upload"):
		return core.LimiterUpload
	case strings.Contains(path, "/export"), strings.Contains(path, "/report"):
		return core.LimiterHeavy
	default:
		return core.LimiterGeneral
	}
}

type userIDKey struct{}

// ContextWithUserID attaches the authenticated user to the request context
// so admission and detection can attribute activity to the account.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the authenticated user, or empty.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// httpRequest adapts *http.Request to core.Request.
type httpRequest struct {
	r *http.Request
}

// FromHTTP wraps an incoming request for the admission engine.
func FromHTTP(r *http.Request) core.Request {
	return &httpRequest{r: r}
}

func (h *httpRequest) IP() string {
	// Trust the leftmost forwarded address when present. The deployment
	// fronting proxy is expected to strip client-supplied values.
	if fwd := h.r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := h.r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(h.r.RemoteAddr)
	if err != nil {
		return h.r.RemoteAddr
	}
	return host
}

func (h *httpRequest) Path() string              { return h.r.URL.Path }
func (h *httpRequest) Method() string            { return h.r.Method }
func (h *httpRequest) UserAgent() string         { return h.r.UserAgent() }
func (h *httpRequest) Header(name string) string { return h.r.Header.Get(name) }
func (h *httpRequest) UserID() string            { return UserIDFromContext(h.r.Context()) }

// Middleware returns an http middleware that enforces admission for every
// request: block flags first, then any active penalty delay, then the
// quota. Rejections get RFC-style rate limit headers.
func Middleware(engine *Engine, blocker Blocker, selector LimiterSelector, logger *slog.Logger) func(http.Handler) http.Handler {
	if selector == nil {
		selector = SelectLimiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := FromHTTP(r)
			lt := selector(r)

			if blocker != nil && blocker.IsIPBlocked(r.Context(), req.IP()) {
				writeError(w, errors.NewError(errors.ErrorTypeForbidden, "access denied"))
				return
			}

			decision, err := engine.Evaluate(r.Context(), req, lt)
			if err != nil {
				// Admission itself fails open.
				logger.Error("admission check failed, serving request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if decision.Delay > 0 {
				if err := Wait(r.Context(), decision.Delay); err != nil {
					// Client gave up during the penalty delay.
					return
				}
			}

			if decision.Tier != core.TierBypass && decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}

			if !decision.Allowed {
				retry := int(decision.RetryAfter / time.Second)
				if decision.RetryAfter%time.Second > 0 {
					retry++
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, errors.NewError(errors.ErrorTypeRateLimit, "too many requests").
					WithDetail("retryAfterSec", retry))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID tags every request with an id for log and alert correlation,
// honoring one supplied by the fronting proxy.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
				r.Header.Set("X-Request-ID", id)
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r)
		})
	}
}

// Observe returns an http middleware that feeds completed requests to the
// anomaly detector. It runs after the handler so the response status is
// known, and off the hot path of the response itself.
func Observe(recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			recorder.RecordRequest(context.WithoutCancel(r.Context()), FromHTTP(r), rec.status)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    err.Type,
			"message": err.Message,
			"details": err.Details,
		},
	})
}
