package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verdict counters for the protection middleware, labeled by policy so the
// dashboard can tell login throttling from generic API pressure.
var (
	RequestsAllowed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_engine_requests_allowed_total",
		Help: "Requests that passed every gate.",
	}, []string{"policy"})

	RequestsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_engine_requests_throttled_total",
		Help: "Requests rejected by the rate limiter.",
	}, []string{"policy"})

	RequestsUnauthorized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_engine_requests_unauthorized_total",
		Help: "Requests rejected by API key or signature validation.",
	}, []string{"policy"})

	RequestsBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_engine_requests_blocked_total",
		Help: "Requests rejected by IP reputation.",
	}, []string{"policy"})

	DegradedChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_engine_degraded_checks_total",
		Help: "Rate-limit checks that failed open because the store was unreachable.",
	})
)
