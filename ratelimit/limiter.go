package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bskmt/risk-engine/store"
)

// Limiter enforces fixed-window counters keyed by IP + device fingerprint
// and, for authenticated traffic, the user id. On store failure it fails
// open: availability wins over strictness for abuse scoring.
type Limiter struct {
	store  store.Store
	logger *log.Logger
}

// Result is the outcome of a single rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the store was unreachable and the request was
	// allowed without counting. Callers should record a degraded-mode event.
	Degraded bool
}

func New(s store.Store, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Limiter{store: s, logger: logger}
}

// Check increments the window counter for the request's composite key and
// reports whether it is within the policy budget.
func (l *Limiter) Check(ctx context.Context, r *http.Request, policy Policy, userID string) Result {
	key := l.key(r, policy, userID)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.logger.Printf("rate limit check failed for %s, allowing request: %v", policy.Name, err)
		return Result{
			Allowed:   true,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
			ResetAt:   time.Now().Add(time.Duration(policy.WindowSeconds) * time.Second),
			Degraded:  true,
		}
	}

	// The window starts on the first hit; EXPIRE must run exactly once per
	// window or the counter would never reset.
	if count == 1 {
		if err := l.store.Expire(ctx, key, time.Duration(policy.WindowSeconds)*time.Second); err != nil {
			l.logger.Printf("rate limit expire failed for %s: %v", key, err)
		}
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = time.Duration(policy.WindowSeconds) * time.Second
	}
	resetAt := time.Now().Add(ttl)

	if count > int64(policy.MaxRequests) {
		return Result{
			Allowed:    false,
			Limit:      policy.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: ttl,
		}
	}

	return Result{
		Allowed:   true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests - int(count),
		ResetAt:   resetAt,
	}
}

// Reset removes the counter so a successful authentication does not keep
// penalizing subsequent legitimate attempts.
func (l *Limiter) Reset(ctx context.Context, r *http.Request, policy Policy, userID string) {
	key := l.key(r, policy, userID)
	if err := l.store.Del(ctx, key); err != nil {
		l.logger.Printf("rate limit reset failed for %s: %v", key, err)
	}
}

func (l *Limiter) key(r *http.Request, policy Policy, userID string) string {
	ipHash := shortHash(ClientIP(r))
	fp := Fingerprint(r)
	if userID != "" {
		return store.RateLimitUserKey(policy.Prefix, ipHash, fp, userID)
	}
	return store.RateLimitKey(policy.Prefix, ipHash, fp)
}

// ApplyHeaders writes the standard rate-limit response headers.
func (res Result) ApplyHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
	}
}

// Fingerprint derives a stable hash from client headers. It raises the bar
// against naive IP rotation; an adversary rotating headers too will evade it.
func Fingerprint(r *http.Request) string {
	components := strings.Join([]string{
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	}, "|")
	return shortHash(components)
}

// ClientIP resolves the requester address behind proxies.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return strings.Trim(ip, "[]")
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
