package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/bskmt/risk-engine/anomaly"
	"github.com/bskmt/risk-engine/apikey"
	"github.com/bskmt/risk-engine/captcha"
	"github.com/bskmt/risk-engine/events"
	"github.com/bskmt/risk-engine/metrics"
	"github.com/bskmt/risk-engine/ratelimit"
	"github.com/bskmt/risk-engine/reputation"
)

// Verdict is the composite decision handed to gated handlers.
type Verdict struct {
	Allow                bool            `json:"allow"`
	Reason               string          `json:"reason,omitempty"`
	Challenge            *captcha.Public `json:"challenge,omitempty"`
	VerificationRequired bool            `json:"verification_required,omitempty"`
}

// Guard chains the request gates in risk order: rate limit, origin
// authentication, IP reputation. Every denial and every degraded-mode allow
// is recorded in the security event log.
type Guard struct {
	limiter    *ratelimit.Limiter
	validator  *apikey.Validator
	checker    *reputation.Checker
	detector   *anomaly.Detector
	challenger *captcha.Challenger
	events     *events.Logger
	logger     *log.Logger
}

func NewGuard(
	limiter *ratelimit.Limiter,
	validator *apikey.Validator,
	checker *reputation.Checker,
	detector *anomaly.Detector,
	challenger *captcha.Challenger,
	eventLogger *events.Logger,
	logger *log.Logger,
) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{
		limiter:    limiter,
		validator:  validator,
		checker:    checker,
		detector:   detector,
		challenger: challenger,
		events:     eventLogger,
		logger:     logger,
	}
}

// Protect wraps a handler with the full gate chain for one policy.
// requireSignature should be true for mutating endpoints.
func (g *Guard) Protect(policy ratelimit.Policy, requireSignature bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ratelimit.ClientIP(r)
			userID := GetUserID(ctx)

			res := g.limiter.Check(ctx, r, policy, userID)
			res.ApplyHeaders(w.Header())

			if res.Degraded {
				metrics.DegradedChecks.Inc()
				g.events.Log(ctx, events.Event{
					Type:      events.TypeRateLimitExceeded,
					IP:        ip,
					UserAgent: r.UserAgent(),
					UserID:    userID,
					Endpoint:  r.URL.Path,
					Severity:  events.SeverityMedium,
					Details:   map[string]interface{}{"degraded": true, "policy": policy.Name},
				})
			}

			if !res.Allowed {
				metrics.RequestsThrottled.WithLabelValues(policy.Name).Inc()
				g.events.Log(ctx, events.Event{
					Type:      events.TypeRateLimitExceeded,
					IP:        ip,
					UserAgent: r.UserAgent(),
					UserID:    userID,
					Endpoint:  r.URL.Path,
					Severity:  events.SeverityLow,
					Details:   map[string]interface{}{"policy": policy.Name},
				})
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":       "rate limit exceeded",
					"retry_after": int(res.RetryAfter.Seconds()),
				})
				return
			}

			validation := g.validator.Validate(r, requireSignature)
			if !validation.IsValid {
				metrics.RequestsUnauthorized.WithLabelValues(policy.Name).Inc()
				g.logger.Printf("origin auth rejected for %s %s: %v", r.Method, r.URL.Path, validation.Err)
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"error": "invalid api key",
					"code":  "INVALID_API_KEY",
				})
				return
			}
			ctx = WithSource(ctx, validation.Source)

			rep := g.checker.Check(ctx, ip, 0)
			if rep.IsBlocked {
				metrics.RequestsBlocked.WithLabelValues(policy.Name).Inc()
				g.events.Log(ctx, events.Event{
					Type:      events.TypeIPBlocked,
					IP:        ip,
					UserAgent: r.UserAgent(),
					UserID:    userID,
					Endpoint:  r.URL.Path,
					Severity:  events.SeverityHigh,
					Details: map[string]interface{}{
						"abuse_confidence_score": rep.AbuseConfidenceScore,
						"total_reports":          rep.TotalReports,
					},
				})
				writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "access denied"})
				return
			}

			metrics.RequestsAllowed.WithLabelValues(policy.Name).Inc()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Assess scores a user event and folds the anomaly result into a verdict,
// logging brute-force and suspicious-login events as it goes. Handlers call
// this on authentication paths after the middleware gates have passed.
func (g *Guard) Assess(ctx context.Context, r *http.Request, userID string, eventType anomaly.EventType) Verdict {
	ip := ratelimit.ClientIP(r)

	result, err := g.detector.Detect(ctx, g.detector.NewEvent(userID, eventType, ip, r.UserAgent(), nil))
	if err != nil {
		// Scoring is advisory; losing it must not take down the login path.
		g.logger.Printf("anomaly detection unavailable for %s: %v", userID, err)
		return Verdict{Allow: true}
	}

	if result.IsAnomalous {
		severity := events.SeverityMedium
		logType := events.TypeSuspiciousLogin
		if eventType == anomaly.EventFailedLogin {
			logType = events.TypeBruteForceAttempt
		}
		if result.ShouldBlock {
			severity = events.SeverityCritical
		}
		g.events.Log(ctx, events.Event{
			Type:      logType,
			IP:        ip,
			UserAgent: r.UserAgent(),
			UserID:    userID,
			Endpoint:  r.URL.Path,
			Severity:  severity,
			Details: map[string]interface{}{
				"risk_score": result.RiskScore,
				"reasons":    result.Reasons,
			},
		})
	}

	if result.ShouldBlock {
		return Verdict{Reason: "request blocked by risk policy"}
	}

	verdict := Verdict{
		Allow:                true,
		VerificationRequired: result.RequiresVerification,
	}
	if result.RequiresVerification {
		verdict.Challenge = g.issueChallenge(ctx, r, ip, userID)
	}
	return verdict
}

// issueChallenge attaches a fallback challenge to an inconclusive verdict so
// the caller can clear the user without a second round trip. Difficulty
// tracks the device's recent challenge failures.
func (g *Guard) issueChallenge(ctx context.Context, r *http.Request, ip, userID string) *captcha.Public {
	fingerprint := GetFingerprint(r.Context())
	if fingerprint == "" {
		fingerprint = ratelimit.Fingerprint(r)
	}

	failures, err := g.challenger.Failures(ctx, fingerprint)
	if err != nil {
		g.logger.Printf("captcha failure lookup failed for %s: %v", fingerprint, err)
	}

	public, err := g.challenger.Create(ctx, captcha.DifficultyForFailures(failures))
	if err != nil {
		// The verdict already demands verification; losing the inline
		// challenge just sends the caller to the captcha endpoint instead.
		g.logger.Printf("could not attach challenge: %v", err)
		return nil
	}

	g.events.Log(ctx, events.Event{
		Type:      events.TypeCaptchaFallbackTriggered,
		IP:        ip,
		UserAgent: r.UserAgent(),
		UserID:    userID,
		Endpoint:  r.URL.Path,
		Severity:  events.SeverityLow,
		Details:   map[string]interface{}{"failures": failures},
	})
	return &public
}

// ReportSuccess clears the request's rate-limit window for policies that
// opt in, so a user who eventually authenticates is not still paying for
// earlier typos.
func (g *Guard) ReportSuccess(ctx context.Context, r *http.Request, policy ratelimit.Policy, userID string) {
	if policy.ResetOnSuccess {
		g.limiter.Reset(ctx, r, policy, userID)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
