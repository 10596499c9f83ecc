package middleware

import (
	"context"
	"net/http"

	"github.com/bskmt/risk-engine/ratelimit"
)

type FingerprintKey string

const FingerprintContextKey FingerprintKey = "fingerprint"

// Fingerprint stashes the client device fingerprint in the request context
// so downstream handlers do not recompute it.
func Fingerprint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), FingerprintContextKey, ratelimit.Fingerprint(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetFingerprint(ctx context.Context) string {
	if val := ctx.Value(FingerprintContextKey); val != nil {
		return val.(string)
	}
	return ""
}

type RequestInfo struct {
	IP          string
	UserAgent   string
	Fingerprint string
	Endpoint    string
	Method      string
	UserID      string
}

func ExtractRequestInfo(r *http.Request) *RequestInfo {
	ctx := r.Context()
	fingerprint := GetFingerprint(ctx)
	if fingerprint == "" {
		fingerprint = ratelimit.Fingerprint(r)
	}
	return &RequestInfo{
		IP:          ratelimit.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Fingerprint: fingerprint,
		Endpoint:    r.URL.Path,
		Method:      r.Method,
		UserID:      GetUserID(ctx),
	}
}
